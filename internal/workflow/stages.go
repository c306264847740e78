package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/devflow/internal/iteration"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

func (m *Machine) appendContext(c *pipeline.Instance, kind, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	c.Context = c.Context.Append(pipeline.ContextEntry{
		Stage:   c.Stage,
		Attempt: c.Attempt(),
		Kind:    kind,
		Content: content,
		At:      m.now(),
	}, m.controller.Limits())
}

// validate fetches the issue and asks the agent whether it is actionable.
func (m *Machine) validate(ctx context.Context, inst *pipeline.Instance) stepResult {
	issue, err := m.platform.FetchIssue(ctx, inst.ID)
	if err != nil {
		return failed(fmt.Errorf("fetch issue: %w", err))
	}
	res, err := m.agent.ValidateIssue(ctx, issue)
	if err != nil {
		return failed(fmt.Errorf("validate issue: %w", err))
	}

	if m.comment {
		if c, ok := m.platform.(Commenter); ok {
			if err := c.CommentOnIssue(ctx, inst.ID, ValidationComment(res)); err != nil {
				m.log.Warn().Err(err).Str("issue", inst.ID).Msg("post validation comment")
			}
		}
	}

	apply := func(c *pipeline.Instance) {
		c.Title = issue.Title
		if _, ok := c.Context.Latest(pipeline.EntryIssue); !ok {
			m.appendContext(c, pipeline.EntryIssue, strings.TrimSpace(issue.Title+"\n\n"+issue.Body))
		}
		if res.Valid {
			m.appendContext(c, pipeline.EntrySummary, res.Summary)
		}
	}
	if !res.Valid {
		detail := res.Summary
		if detail == "" {
			detail = "issue is not actionable"
		}
		return stepResult{out: iteration.Failed(iteration.FailureInvalid, detail, res.Clarifications...), apply: apply}
	}
	return stepResult{out: iteration.Succeeded(), apply: apply}
}

// ValidationComment renders the issue comment posted after validation.
func ValidationComment(res ValidationResult) string {
	var b strings.Builder
	if res.Valid {
		b.WriteString("**devflow**: issue validated, starting implementation.\n")
	} else {
		b.WriteString("**devflow**: this issue needs clarification before work can start.\n")
	}
	if res.Summary != "" {
		b.WriteString("\n" + res.Summary + "\n")
	}
	if len(res.Clarifications) > 0 {
		b.WriteString("\nQuestions:\n")
		for _, q := range res.Clarifications {
			b.WriteString("- " + q + "\n")
		}
	}
	if len(res.Suggestions) > 0 {
		b.WriteString("\nSuggestions:\n")
		for _, s := range res.Suggestions {
			b.WriteString("- " + s + "\n")
		}
	}
	return b.String()
}

// implement asks the agent for a change set and opens the change request on
// the first success. Later iterations push to the same request.
func (m *Machine) implement(ctx context.Context, inst *pipeline.Instance, pol policy.Policy) stepResult {
	issue, err := m.platform.FetchIssue(ctx, inst.ID)
	if err != nil {
		return failed(fmt.Errorf("fetch issue: %w", err))
	}

	req := ImplementationRequest{
		Issue:   issue,
		Context: inst.Context,
		Attempt: inst.Attempt(),
		Policy:  pol,
	}
	if inst.LoopFrom == pipeline.StageReview {
		req.Feedback = inst.Verdict
	}
	cs, err := m.agent.Implement(ctx, req)
	if err != nil {
		return failed(fmt.Errorf("implement: %w", err))
	}
	if cs == nil || cs.Branch == "" {
		return failed(&AgentError{Kind: AgentMalformedOutput, Op: "implement", Err: errors.New("empty change set")})
	}

	record := func(c *pipeline.Instance) {
		saved := *cs
		c.ChangeSet = &saved
		m.appendContext(c, pipeline.EntrySummary, cs.Summary)
		m.appendContext(c, pipeline.EntryTranscript, cs.Transcript)
		m.appendContext(c, pipeline.EntryDiff, cs.Diff)
	}

	reqID := inst.ChangeRequestID
	if reqID == "" {
		id, err := m.platform.CreateChangeRequest(ctx, issue, *cs)
		if err != nil {
			res := failed(fmt.Errorf("create change request: %w", err))
			res.apply = record
			return res
		}
		reqID = id
	} else if u, ok := m.platform.(ChangeUpdater); ok {
		if err := u.UpdateChangeRequest(ctx, reqID, *cs); err != nil {
			res := failed(fmt.Errorf("update change request: %w", err))
			res.apply = record
			return res
		}
	}
	return stepResult{
		out: iteration.Succeeded(),
		apply: func(c *pipeline.Instance) {
			record(c)
			c.ChangeRequestID = reqID
		},
	}
}

// review merges agent and platform findings into a verdict.
func (m *Machine) review(ctx context.Context, inst *pipeline.Instance, pol policy.Policy, log *zerolog.Logger) stepResult {
	if inst.ChangeSet == nil {
		return stepResult{abort: &pipeline.AbortReason{
			Kind:   pipeline.AbortConfiguration,
			Stage:  pipeline.StageReview,
			Detail: "no change set recorded for review",
		}}
	}

	findings, err := m.agent.Review(ctx, *inst.ChangeSet)
	if err != nil {
		return failed(fmt.Errorf("agent review: %w", err))
	}
	if m.checker != nil {
		cf, err := m.checker.Check(ctx, *inst.ChangeSet)
		if err != nil {
			return failed(fmt.Errorf("checks: %w", err))
		}
		findings = append(findings, cf...)
	}
	if inst.ChangeRequestID != "" {
		st, err := m.platform.GetReviewStatus(ctx, inst.ChangeRequestID)
		if err != nil {
			return failed(fmt.Errorf("review status: %w", err))
		}
		findings = append(findings, st.Findings...)
		if st.State == ReviewChangesRequested && !hasHuman(st.Findings) {
			findings = append(findings, review.Finding{
				Source:      PlatformSource,
				Severity:    review.Major,
				Location:    "pull-request",
				Description: "changes requested on the change request",
				Category:    review.CategoryCorrectness,
				Human:       true,
			})
		}
	}

	v := m.merger.Merge(BySource(findings), pol)
	for _, rej := range v.Rejected {
		log.Warn().Str("source", rej.Finding.Source).Str("reason", rej.Reason).Msg("rejected review finding")
	}

	apply := func(c *pipeline.Instance) {
		verdict := v
		c.Verdict = &verdict
	}

	switch v.Outcome {
	case review.Block:
		return stepResult{
			out: iteration.Failed(string(review.Block), v.Summary()),
			apply: func(c *pipeline.Instance) {
				apply(c)
				m.appendContext(c, pipeline.EntryReview, v.Summary())
			},
			abort: &pipeline.AbortReason{
				Kind:   pipeline.AbortBlocked,
				Stage:  pipeline.StageReview,
				Detail: describe(v.Blocking()),
			},
		}
	case review.RequestChanges:
		var hints []string
		for _, r := range v.Retained {
			if r.Severity == review.Major {
				hints = append(hints, fmt.Sprintf("%s: %s", r.Location, r.Description))
			}
		}
		return stepResult{out: iteration.Failed(iteration.FailureChangesRequested, v.Summary(), hints...), apply: apply}
	}
	return stepResult{out: iteration.Succeeded(), apply: apply}
}

// PlatformSource names findings derived from the platform's review decision
// when no reviewer comment accompanies it.
const PlatformSource = "platform"

func hasHuman(findings []review.Finding) bool {
	for _, f := range findings {
		if f.Human {
			return true
		}
	}
	return false
}

// BySource splits a flat finding list into per-source lists ordered by source.
func BySource(findings []review.Finding) [][]review.Finding {
	groups := make(map[string][]review.Finding)
	for _, f := range findings {
		groups[f.Source] = append(groups[f.Source], f)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([][]review.Finding, 0, len(names))
	for _, name := range names {
		out = append(out, groups[name])
	}
	return out
}

func describe(rs []review.Retained) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s [%s] %s (sources: %s)", r.Location, r.Category, r.Description, strings.Join(r.Sources, ",")))
	}
	return strings.Join(parts, "; ")
}

// finalize files follow-up issues once and merges the change request.
func (m *Machine) finalize(ctx context.Context, inst *pipeline.Instance) stepResult {
	if inst.ChangeRequestID == "" {
		return stepResult{abort: &pipeline.AbortReason{
			Kind:   pipeline.AbortConfiguration,
			Stage:  pipeline.StageFinalization,
			Detail: "no change request to merge",
		}}
	}

	var created []string
	recordFollowups := func(done bool) func(*pipeline.Instance) {
		ids := append([]string(nil), created...)
		return func(c *pipeline.Instance) {
			c.Followups = append(c.Followups, ids...)
			if done {
				c.FollowupsFiled = true
			}
		}
	}

	if !inst.FollowupsFiled && m.fileFollowups && inst.Verdict != nil {
		if fc, ok := m.platform.(FollowupCreator); ok {
			for i := len(inst.Followups); i < len(inst.Verdict.Followups); i++ {
				id, err := fc.CreateFollowup(ctx, inst.ID, inst.Verdict.Followups[i])
				if err != nil {
					res := failed(fmt.Errorf("create follow-up: %w", err))
					res.apply = recordFollowups(false)
					return res
				}
				created = append(created, id)
			}
		}
	}
	apply := recordFollowups(true)

	if err := m.platform.MergeOrIntegrate(ctx, inst.ChangeRequestID); err != nil {
		res := failed(fmt.Errorf("merge %s: %w", inst.ChangeRequestID, err))
		res.apply = apply
		return res
	}
	return stepResult{out: iteration.Succeeded(), apply: apply}
}
