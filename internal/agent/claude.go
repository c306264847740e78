// Package agent implements the workflow agent provider by driving the
// claude CLI in print mode.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/prompt"
	"github.com/lucasnoah/devflow/internal/review"
	"github.com/lucasnoah/devflow/internal/workflow"
)

// Runner executes one non-interactive agent turn in dir. Interface for
// testing.
type Runner interface {
	Run(ctx context.Context, dir, prompt string) (string, error)
}

// Workspace hands out the working directory for a branch.
type Workspace interface {
	Dir(ctx context.Context, branch string) (string, error)
}

// Differ reads what a branch actually changed.
type Differ interface {
	Diff(ctx context.Context, branch string) (diff string, files []string, err error)
}

// CLIRunner runs the claude CLI with the prompt on stdin.
type CLIRunner struct {
	Command string
	Model   string
	// Flags are extra arguments, split on whitespace.
	Flags string
	// Dir is the working directory used when Run is given none.
	Dir string
}

// Args returns the command-line arguments after the command name.
func (r *CLIRunner) Args() []string {
	args := []string{"--print"}
	if r.Model != "" {
		args = append(args, "--model", r.Model)
	}
	return append(args, strings.Fields(r.Flags)...)
}

func (r *CLIRunner) Run(ctx context.Context, dir, prompt string) (string, error) {
	command := r.Command
	if command == "" {
		command = "claude"
	}
	cmd := exec.CommandContext(ctx, command, r.Args()...)
	cmd.Dir = r.Dir
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s --print: %s: %w", command, strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}

// Options configures a Claude provider.
type Options struct {
	// Templates resolves prompt templates.
	Templates prompt.Loader
	// Source tags the findings this reviewer reports. Defaults to "claude".
	Source string
	// BranchPrefix prefixes implementation branch names. Defaults to "devflow/".
	BranchPrefix string
	// Workspace isolates implementation and review per branch. When nil the
	// agent runs in the runner's directory.
	Workspace Workspace
	// Differ, when set, replaces the diff the agent reports with the one git
	// computes for the branch.
	Differ Differ
	Logger zerolog.Logger
}

// Claude is the AgentProvider backed by the claude CLI.
type Claude struct {
	runner Runner
	opts   Options
	log    zerolog.Logger
}

var _ workflow.AgentProvider = (*Claude)(nil)

// New creates a Claude provider.
func New(runner Runner, opts Options) *Claude {
	if opts.Source == "" {
		opts.Source = "claude"
	}
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = "devflow/"
	}
	return &Claude{runner: runner, opts: opts, log: opts.Logger.With().Str("component", "agent").Logger()}
}

// ask renders the named template, runs the agent on branch's workspace and
// decodes its JSON response into out. It returns the raw output. An empty
// branch runs in the default directory.
func (c *Claude) ask(ctx context.Context, op, branch, tmpl string, vars prompt.Vars, out any) (string, error) {
	text, err := c.opts.Templates.RenderNamed(tmpl, vars)
	if err != nil {
		return "", &workflow.AgentError{Kind: workflow.AgentMalformedOutput, Op: op, Err: err}
	}

	dir := ""
	if branch != "" && c.opts.Workspace != nil {
		if dir, err = c.opts.Workspace.Dir(ctx, branch); err != nil {
			return "", &workflow.AgentError{Kind: workflow.AgentUnavailable, Op: op, Err: fmt.Errorf("workspace for %s: %w", branch, err)}
		}
	}

	start := time.Now()
	raw, err := c.runner.Run(ctx, dir, text)
	c.log.Debug().Str("op", op).Str("dir", dir).Dur("elapsed", time.Since(start)).Int("prompt_bytes", len(text)).Int("response_bytes", len(raw)).Msg("agent turn")
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", &workflow.AgentError{Kind: workflow.AgentTimeout, Op: op, Err: ctx.Err()}
		case ctx.Err() != nil:
			return "", &workflow.AgentError{Kind: workflow.AgentUnavailable, Op: op, Err: ctx.Err()}
		}
		return "", &workflow.AgentError{Kind: workflow.AgentUnavailable, Op: op, Err: err}
	}

	if err := parseResponse(raw, out); err != nil {
		var refused *refusalError
		if errors.As(err, &refused) {
			return "", &workflow.AgentError{Kind: workflow.AgentRefused, Op: op, Err: err}
		}
		return "", &workflow.AgentError{Kind: workflow.AgentMalformedOutput, Op: op, Err: err}
	}
	return raw, nil
}

type validateResponse struct {
	Valid          *bool    `json:"valid"`
	Summary        string   `json:"summary"`
	Clarifications []string `json:"clarifications"`
	Suggestions    []string `json:"suggestions"`
}

// ValidateIssue asks the agent whether the issue is actionable.
func (c *Claude) ValidateIssue(ctx context.Context, issue workflow.Issue) (workflow.ValidationResult, error) {
	vars := prompt.Vars{
		"issue_key":           issue.Key,
		"issue_title":         issue.Title,
		"issue_body":          issue.Body,
		"acceptance_criteria": issue.AcceptanceCriteria,
		"labels":              strings.Join(issue.Labels, ", "),
	}
	var resp validateResponse
	if _, err := c.ask(ctx, "validate", "", prompt.ValidateTemplate, vars, &resp); err != nil {
		return workflow.ValidationResult{}, err
	}
	if resp.Valid == nil {
		return workflow.ValidationResult{}, &workflow.AgentError{Kind: workflow.AgentMalformedOutput, Op: "validate", Err: errors.New(`response missing "valid"`)}
	}
	return workflow.ValidationResult{
		Valid:          *resp.Valid,
		Summary:        resp.Summary,
		Clarifications: resp.Clarifications,
		Suggestions:    resp.Suggestions,
	}, nil
}

type implementResponse struct {
	Branch       string   `json:"branch"`
	Summary      string   `json:"summary"`
	Diff         string   `json:"diff"`
	FilesChanged []string `json:"files_changed"`
}

// Implement asks the agent to produce a change set on the issue's branch.
func (c *Claude) Implement(ctx context.Context, req workflow.ImplementationRequest) (*pipeline.ChangeSet, error) {
	branch := c.BranchName(req.Issue)
	vars := prompt.Vars{
		"issue_key":           req.Issue.Key,
		"issue_title":         req.Issue.Title,
		"issue_body":          req.Issue.Body,
		"acceptance_criteria": req.Issue.AcceptanceCriteria,
		"branch":              branch,
		"attempt":             strconv.Itoa(req.Attempt),
		"max_iterations":      strconv.Itoa(req.Policy.MaxIterations),
		"maturity":            string(req.Policy.Maturity),
		"strictness":          string(req.Policy.Strictness),
		"coverage_target":     strconv.FormatFloat(req.Policy.CoverageTarget, 'f', -1, 64),
		"breaking_changes":    breakingChanges(req),
		"review_feedback":     "",
		"prior_context":       renderContext(req.Context),
	}
	if req.Feedback != nil {
		vars["review_feedback"] = req.Feedback.Summary()
	}

	var resp implementResponse
	raw, err := c.ask(ctx, "implement", branch, prompt.ImplementTemplate, vars, &resp)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil, &workflow.AgentError{Kind: workflow.AgentMalformedOutput, Op: "implement", Err: errors.New(`response missing "summary"`)}
	}
	if resp.Branch == "" {
		resp.Branch = branch
	}
	cs := &pipeline.ChangeSet{
		Branch:       resp.Branch,
		Summary:      resp.Summary,
		Diff:         resp.Diff,
		FilesChanged: resp.FilesChanged,
		Transcript:   strings.TrimSpace(raw),
	}
	if c.opts.Differ != nil {
		diff, files, err := c.opts.Differ.Diff(ctx, cs.Branch)
		switch {
		case err != nil:
			c.log.Warn().Err(err).Str("branch", cs.Branch).Msg("git diff failed, keeping the reported diff")
		case diff == "":
			return nil, &workflow.AgentError{Kind: workflow.AgentMalformedOutput, Op: "implement", Err: fmt.Errorf("branch %s has no changes", cs.Branch)}
		default:
			cs.Diff, cs.FilesChanged = diff, files
		}
	}
	return cs, nil
}

func breakingChanges(req workflow.ImplementationRequest) string {
	switch {
	case req.Policy.AllowBreakingChanges:
		return "allowed"
	case req.Policy.BreakingChangeNotice:
		return "allowed only with a migration notice in the summary"
	}
	return "not allowed"
}

// renderContext formats the carried context log oldest first.
func renderContext(l pipeline.ContextLog) string {
	var b strings.Builder
	for _, e := range l.Entries {
		fmt.Fprintf(&b, "### %s (%s, attempt %d)\n%s\n\n", e.Kind, e.Stage, e.Attempt, strings.TrimSpace(e.Content))
	}
	return strings.TrimSpace(b.String())
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 40

// BranchName returns the branch the agent works on for issue. It is stable
// across attempts so retries reuse the same change request.
func (c *Claude) BranchName(issue workflow.Issue) string {
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(issue.Title), "-"), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	name := c.opts.BranchPrefix + strconv.Itoa(issue.Number)
	if slug != "" {
		name += "-" + slug
	}
	return name
}

type reviewResponse struct {
	Findings *[]review.Finding `json:"findings"`
}

// Review asks the agent for findings on the change set.
func (c *Claude) Review(ctx context.Context, cs pipeline.ChangeSet) ([]review.Finding, error) {
	vars := prompt.Vars{
		"branch":        cs.Branch,
		"summary":       cs.Summary,
		"diff":          cs.Diff,
		"files_changed": bulletList(cs.FilesChanged),
	}
	var resp reviewResponse
	if _, err := c.ask(ctx, "review", cs.Branch, prompt.ReviewTemplate, vars, &resp); err != nil {
		return nil, err
	}
	if resp.Findings == nil {
		return nil, &workflow.AgentError{Kind: workflow.AgentMalformedOutput, Op: "review", Err: errors.New(`response missing "findings"`)}
	}
	findings := *resp.Findings
	for i := range findings {
		findings[i].Source = c.opts.Source
		findings[i].Human = false
	}
	return findings, nil
}

func bulletList(items []string) string {
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- %s\n", it)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
