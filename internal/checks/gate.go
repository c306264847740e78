package checks

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/review"
)

// Source is the review source name of check findings.
const Source = "checks"

// maxIssuesPerCheck bounds the findings one failing check contributes.
const maxIssuesPerCheck = 20

// Workspace hands out the working tree of a branch.
type Workspace interface {
	Dir(ctx context.Context, branch string) (string, error)
}

// GateOptions configures a Gate.
type GateOptions struct {
	// Workspace resolves a change set's branch to a directory. When nil
	// every check runs in Dir.
	Workspace Workspace
	Dir       string
	Logger    zerolog.Logger
}

// Gate runs the configured checks against a change set and reports each
// failure as a review finding, so check results are merged and ranked with
// every other review source.
type Gate struct {
	runner *Runner
	checks []Check
	opts   GateOptions
}

// NewGate creates a Gate running checks with runner.
func NewGate(runner *Runner, checks []Check, opts GateOptions) *Gate {
	return &Gate{runner: runner, checks: checks, opts: opts}
}

// Check runs every check, including the ones after a failure, and returns
// the findings of the failed ones.
func (g *Gate) Check(ctx context.Context, cs pipeline.ChangeSet) ([]review.Finding, error) {
	findings, _, err := g.Run(ctx, cs)
	return findings, err
}

// Run is Check that also returns the individual results.
func (g *Gate) Run(ctx context.Context, cs pipeline.ChangeSet) ([]review.Finding, []*Result, error) {
	dir := g.opts.Dir
	if g.opts.Workspace != nil && cs.Branch != "" {
		d, err := g.opts.Workspace.Dir(ctx, cs.Branch)
		if err != nil {
			return nil, nil, fmt.Errorf("checks workspace: %w", err)
		}
		dir = d
	}

	var (
		findings []review.Finding
		results  []*Result
	)
	for _, c := range g.checks {
		res, err := g.runner.Run(ctx, dir, c)
		if err != nil {
			return nil, results, fmt.Errorf("check %q: %w", c.Name, err)
		}
		results = append(results, res)

		g.opts.Logger.Debug().
			Str("check", c.Name).
			Bool("passed", res.Passed).
			Bool("auto_fixed", res.AutoFixed).
			Dur("took", res.Duration).
			Str("summary", res.Summary).
			Msg("check finished")

		switch {
		case !res.Passed:
			findings = append(findings, toFindings(c, res)...)
		case res.AutoFixed:
			findings = append(findings, autoFixFinding(c))
		}
	}
	return findings, results, nil
}

// autoFixFinding reports a check that passed only on the fixed working
// tree. The fix is not part of the change set until the implementer
// commits it.
func autoFixFinding(c Check) review.Finding {
	category := c.Category
	if category == "" {
		category = c.Name
	}
	return review.Finding{
		Source:      Source,
		Severity:    review.Major,
		Location:    c.Name,
		Category:    category,
		Description: fmt.Sprintf("%s passed only after running %q; commit the fix to the branch", c.Name, c.FixCommand),
	}
}

func toFindings(c Check, res *Result) []review.Finding {
	sev := c.Severity
	if !sev.Valid() {
		sev = review.Major
	}
	category := c.Category
	if category == "" {
		category = c.Name
	}

	if len(res.Issues) == 0 {
		desc := fmt.Sprintf("%s failed: %s", c.Name, res.Summary)
		if res.Output != "" {
			desc += "\n" + res.Output
		}
		return []review.Finding{{Source: Source, Severity: sev, Location: c.Name, Category: category, Description: desc}}
	}

	issues := res.Issues
	if len(issues) > maxIssuesPerCheck {
		issues = issues[:maxIssuesPerCheck]
	}
	out := make([]review.Finding, 0, len(issues)+1)
	for _, is := range issues {
		desc := is.Message
		if is.Rule != "" {
			desc = is.Rule + ": " + desc
		}
		loc := is.Location
		if loc == "" {
			loc = c.Name
		}
		out = append(out, review.Finding{
			Source:      Source,
			Severity:    sev,
			Location:    loc,
			Category:    category,
			Description: strings.TrimSpace(desc),
		})
	}
	if n := len(res.Issues) - len(issues); n > 0 {
		out = append(out, review.Finding{
			Source:      Source,
			Severity:    sev,
			Location:    c.Name,
			Category:    category,
			Description: fmt.Sprintf("%s reported %d more issues", c.Name, n),
		})
	}
	return out
}
