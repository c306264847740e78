package prompt

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	ValidateTemplate:  validateTemplate,
	ImplementTemplate: implementTemplate,
	ReviewTemplate:    reviewTemplate,
}

const refusalInstructions = `If you cannot or will not do this task, respond with exactly:

` + "```json" + `
{"refused": true, "reason": "<why>"}
` + "```" + `
`

const validateTemplate = `# Validate: {{issue_title}}

> **Do not invoke any skills or slash commands.** Do not modify any files.

## Issue {{issue_key}}
{{issue_body}}

{{#if acceptance_criteria}}
## Acceptance Criteria
{{acceptance_criteria}}
{{/if}}
{{#if labels}}
Labels: {{labels}}
{{/if}}

## Instructions
Decide whether this issue is actionable as written: the goal is clear, the
scope is bounded, and a reviewer could tell when it is done.

1. List anything a developer would have to ask before starting as a clarification.
2. List optional improvements to the issue as suggestions.
3. Set "valid" to false only when a clarification must be answered first.

Respond with a single JSON object and nothing else:

` + "```json" + `
{"valid": true, "summary": "<one paragraph>", "clarifications": [], "suggestions": []}
` + "```" + `

` + refusalInstructions

const implementTemplate = `# Implement: {{issue_title}}

> **Do not invoke any skills or slash commands.** Use only built-in tools.

## Issue {{issue_key}}
{{issue_body}}

{{#if acceptance_criteria}}
## Acceptance Criteria
{{acceptance_criteria}}
{{/if}}

## Repository Context
Branch: {{branch}}
Attempt: {{attempt}} of {{max_iterations}}

## Project Policy
Maturity: {{maturity}}
Review strictness: {{strictness}}
Coverage target: {{coverage_target}}%
Breaking changes: {{breaking_changes}}

## Instructions
1. Create or check out the branch above
2. Read the relevant code to understand the current state
3. Implement the change described above
4. Write or update tests for your changes and run them
5. Commit all changes on the branch
{{#if review_feedback}}

## Review Feedback
The previous attempt was sent back by review. Address every finding:
{{review_feedback}}
{{/if}}
{{#if prior_context}}

## Prior Context
{{prior_context}}
{{/if}}

When done, respond with a single JSON object and nothing else:

` + "```json" + `
{"branch": "{{branch}}", "summary": "<what changed and why>", "files_changed": ["path/to/file.go"]}
` + "```" + `

` + refusalInstructions

const reviewTemplate = `# Code Review: {{branch}}

> **Do not invoke any skills or slash commands.** Do not modify any files.

## Change Summary
{{summary}}

{{#if files_changed}}
### Files Changed
{{files_changed}}
{{/if}}

{{#if diff}}
### Diff
` + "```diff" + `
{{diff}}
` + "```" + `
{{/if}}

## Review Instructions

Your job is adversarial review. Assume the change is wrong until proven otherwise.

1. Read every changed file in full. Use ` + "`git diff main...{{branch}}`" + ` if the diff above is incomplete.
2. Look for what happens when things go wrong: nil inputs, empty slices, zero values, failed I/O, concurrent access.
3. Check that no existing behavior was silently broken.
4. Flag changes to exported APIs, file formats or CLI flags with category "breaking_change".

Report each problem as a finding. Severity is one of "blocking", "major",
"minor" or "informational". Category is one of "correctness", "security",
"style" or "breaking_change". Location is "path:line" when known.

Respond with a single JSON object and nothing else:

` + "```json" + `
{"findings": [{"severity": "major", "location": "path/to/file.go:42", "category": "correctness", "description": "<what is wrong>"}]}
` + "```" + `

An empty findings list means the change is approved.

` + refusalInstructions
