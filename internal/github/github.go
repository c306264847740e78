// Package github implements the workflow platform adapter on top of the gh
// and git command-line tools.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/review"
	"github.com/lucasnoah/devflow/internal/workflow"
)

// CmdRunner provides gh command execution. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecRunner runs gh and git commands via exec.
type ExecRunner struct{}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// RunGit implements GitRunner using exec.CommandContext.
func (r *ExecRunner) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Options configures a Client.
type Options struct {
	// Repo is the OWNER/NAME passed to gh --repo.
	Repo string
	// BaseBranch is the branch change requests target. Defaults to main.
	BaseBranch string
	// MergeStrategy is squash, merge or rebase. Defaults to squash.
	MergeStrategy string
	// WorkDir is the checkout branches are pushed from. Pushing is skipped
	// when empty or when no GitRunner is available.
	WorkDir string
	// FollowupLabel is attached to follow-up issues when set.
	FollowupLabel string
}

// Client is the GitHub PlatformAdapter.
type Client struct {
	cmd  CmdRunner
	git  GitRunner
	opts Options

	// newBackOff paces retries of rate-limited calls.
	newBackOff func() backoff.BackOff
}

var (
	_ workflow.PlatformAdapter = (*Client)(nil)
	_ workflow.Commenter       = (*Client)(nil)
	_ workflow.FollowupCreator = (*Client)(nil)
	_ workflow.ChangeUpdater   = (*Client)(nil)
)

// NewClient creates a GitHub client. If cmd also implements GitRunner,
// it will be used for pushing branches.
func NewClient(cmd CmdRunner, opts Options) *Client {
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}
	if opts.MergeStrategy == "" {
		opts.MergeStrategy = "squash"
	}
	c := &Client{cmd: cmd, opts: opts, newBackOff: defaultBackOff}
	if git, ok := cmd.(GitRunner); ok {
		c.git = git
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, 4)
}

// run executes gh, retrying rate-limited calls and classifying the final
// error as a *workflow.PlatformError.
func (c *Client) run(ctx context.Context, op string, args ...string) (string, error) {
	if c.opts.Repo != "" {
		args = append(args, "--repo", c.opts.Repo)
	}
	var out string
	attempt := func() error {
		var err error
		out, err = c.cmd.Run(ctx, args...)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(&workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: op, Err: ctxErr})
		}
		pe := classify(op, err)
		if pe.Kind != workflow.PlatformRateLimited {
			return backoff.Permanent(pe)
		}
		return pe
	}
	if err := backoff.Retry(attempt, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		var pe *workflow.PlatformError
		if errors.As(err, &pe) {
			return out, pe
		}
		return out, &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: op, Err: err}
	}
	return out, nil
}

var (
	rateLimitRe = regexp.MustCompile(`(?i)rate limit|HTTP 429|secondary rate`)
	authRe      = regexp.MustCompile(`(?i)HTTP 401|HTTP 403|authentication|gh auth login|bad credentials|must have (admin|push|write)`)
	notFoundRe  = regexp.MustCompile(`(?i)HTTP 404|not found|could not resolve|no pull requests? found`)
	conflictRe  = regexp.MustCompile(`(?i)HTTP 409|HTTP 422|conflict|not mergeable|already exists`)
)

// classify maps gh output to a platform error kind.
func classify(op string, err error) *workflow.PlatformError {
	msg := err.Error()
	kind := workflow.PlatformUnavailable
	switch {
	case rateLimitRe.MatchString(msg):
		kind = workflow.PlatformRateLimited
	case authRe.MatchString(msg):
		kind = workflow.PlatformAuth
	case notFoundRe.MatchString(msg):
		kind = workflow.PlatformNotFound
	case conflictRe.MatchString(msg):
		kind = workflow.PlatformConflict
	}
	return &workflow.PlatformError{Kind: kind, Op: op, Err: err}
}

// issueNumber validates key and returns its github issue number.
func issueNumber(op, key string) (int, error) {
	platform, n, err := pipeline.ParseKey(key)
	if err == nil && platform != "github" {
		err = fmt.Errorf("issue key %q is not a github key", key)
	}
	if err != nil {
		return 0, &workflow.PlatformError{Kind: workflow.PlatformNotFound, Op: op, Err: err}
	}
	return n, nil
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// FetchIssue returns the issue identified by key.
func (c *Client) FetchIssue(ctx context.Context, key string) (workflow.Issue, error) {
	n, err := issueNumber("fetch issue", key)
	if err != nil {
		return workflow.Issue{}, err
	}
	out, err := c.run(ctx, "fetch issue", "issue", "view", strconv.Itoa(n), "--json", "number,title,body,state,labels,url")
	if err != nil {
		return workflow.Issue{}, err
	}
	var gi ghIssue
	if err := json.Unmarshal([]byte(out), &gi); err != nil {
		return workflow.Issue{}, &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: "fetch issue", Err: fmt.Errorf("parse issue JSON: %w", err)}
	}
	issue := workflow.Issue{
		Key:                pipeline.Key("github", gi.Number),
		Number:             gi.Number,
		Title:              gi.Title,
		Body:               gi.Body,
		URL:                gi.URL,
		AcceptanceCriteria: extractAcceptanceCriteria(gi.Body),
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, nil
}

// CreateChangeRequest pushes the change set's branch and opens a pull
// request for it. An open pull request for the same branch is reused, so a
// retried attempt never opens a second one.
func (c *Client) CreateChangeRequest(ctx context.Context, issue workflow.Issue, cs pipeline.ChangeSet) (string, error) {
	const op = "create change request"
	if cs.Branch == "" || strings.HasPrefix(cs.Branch, "-") {
		return "", &workflow.PlatformError{Kind: workflow.PlatformConflict, Op: op, Err: fmt.Errorf("invalid branch name %q", cs.Branch)}
	}
	if err := c.pushBranch(ctx, cs.Branch); err != nil {
		return "", err
	}
	if url, err := c.findPRByBranch(ctx, cs.Branch); err != nil || url != "" {
		return url, err
	}
	out, err := c.run(ctx, op, "pr", "create",
		"--title", prTitle(issue),
		"--body", prBody(issue, cs),
		"--head", cs.Branch,
		"--base", c.opts.BaseBranch)
	if err != nil {
		return "", err
	}
	return lastLine(out), nil
}

// UpdateChangeRequest pushes the commits of a later iteration. The open
// pull request picks them up from its head branch.
func (c *Client) UpdateChangeRequest(ctx context.Context, requestID string, cs pipeline.ChangeSet) error {
	if cs.Branch == "" || strings.HasPrefix(cs.Branch, "-") {
		return &workflow.PlatformError{Kind: workflow.PlatformConflict, Op: "update change request", Err: fmt.Errorf("invalid branch name %q", cs.Branch)}
	}
	return c.pushBranch(ctx, cs.Branch)
}

func (c *Client) pushBranch(ctx context.Context, branch string) error {
	if c.git == nil || c.opts.WorkDir == "" {
		return nil
	}
	if _, err := c.git.RunGit(ctx, c.opts.WorkDir, "push", "-u", "origin", branch); err != nil {
		return classify("push branch", err)
	}
	return nil
}

func (c *Client) findPRByBranch(ctx context.Context, branch string) (string, error) {
	out, err := c.run(ctx, "find change request", "pr", "list", "--head", branch, "--state", "open", "--json", "url", "--limit", "1")
	if err != nil {
		return "", err
	}
	var prs []struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return "", &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: "find change request", Err: fmt.Errorf("parse PR list JSON: %w", err)}
	}
	if len(prs) == 0 {
		return "", nil
	}
	return prs[0].URL, nil
}

func prTitle(issue workflow.Issue) string {
	if issue.Number > 0 {
		return fmt.Sprintf("%s (#%d)", issue.Title, issue.Number)
	}
	return issue.Title
}

func prBody(issue workflow.Issue, cs pipeline.ChangeSet) string {
	var b strings.Builder
	if issue.Number > 0 {
		fmt.Fprintf(&b, "Closes #%d\n\n", issue.Number)
	}
	if cs.Summary != "" {
		b.WriteString(cs.Summary)
		b.WriteString("\n")
	}
	if len(cs.FilesChanged) > 0 {
		b.WriteString("\n### Files changed\n")
		for _, f := range cs.FilesChanged {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}

// lastLine returns the final non-empty line of gh output, which for
// pr create and issue create is the new URL.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

type ghReview struct {
	Author struct {
		Login string `json:"login"`
	} `json:"author"`
	State       string    `json:"state"`
	Body        string    `json:"body"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// ghCheck is one entry of statusCheckRollup: a check run (name, conclusion)
// or a commit status (context, state).
type ghCheck struct {
	Name       string `json:"name"`
	Context    string `json:"context"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
	DetailsURL string `json:"detailsUrl"`
	TargetURL  string `json:"targetUrl"`
}

// CISource is the finding source for failing pull request checks.
const CISource = "ci"

var failingConclusions = map[string]bool{
	"FAILURE":         true,
	"CANCELLED":       true,
	"TIMED_OUT":       true,
	"ACTION_REQUIRED": true,
	"STARTUP_FAILURE": true,
	"ERROR":           true,
}

// GetReviewStatus reports the pull request's review decision. Each
// reviewer's latest review counts; one that requests changes becomes a
// human finding. Failing CI checks become automated findings.
func (c *Client) GetReviewStatus(ctx context.Context, requestID string) (workflow.ReviewStatus, error) {
	out, err := c.run(ctx, "get review status", "pr", "view", requestID, "--json", "reviewDecision,reviews,statusCheckRollup")
	if err != nil {
		return workflow.ReviewStatus{}, err
	}
	var pr struct {
		ReviewDecision    string     `json:"reviewDecision"`
		Reviews           []ghReview `json:"reviews"`
		StatusCheckRollup []ghCheck  `json:"statusCheckRollup"`
	}
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return workflow.ReviewStatus{}, &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: "get review status", Err: fmt.Errorf("parse PR JSON: %w", err)}
	}

	latest := latestReviews(pr.Reviews)
	status := workflow.ReviewStatus{State: workflow.ReviewPending}
	switch pr.ReviewDecision {
	case "APPROVED":
		status.State = workflow.ReviewApproved
	case "CHANGES_REQUESTED":
		status.State = workflow.ReviewChangesRequested
	}
	for _, r := range latest {
		if r.State != "CHANGES_REQUESTED" {
			continue
		}
		// Repositories without required reviews report no decision.
		if pr.ReviewDecision == "" {
			status.State = workflow.ReviewChangesRequested
		}
		desc := strings.TrimSpace(r.Body)
		if desc == "" {
			desc = fmt.Sprintf("changes requested by @%s", r.Author.Login)
		}
		status.Findings = append(status.Findings, review.Finding{
			Source:      "github:" + r.Author.Login,
			Severity:    review.Major,
			Location:    "pull-request",
			Description: desc,
			Category:    review.CategoryCorrectness,
			Human:       true,
		})
	}
	status.Findings = append(status.Findings, ciFindings(pr.StatusCheckRollup)...)
	return status, nil
}

// latestReviews keeps each author's most recent decisive review, in the
// order authors first appear. Comment-only reviews do not change a
// reviewer's decision.
func latestReviews(reviews []ghReview) []ghReview {
	var order []string
	byAuthor := make(map[string]ghReview)
	for _, r := range reviews {
		switch r.State {
		case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
		default:
			continue
		}
		login := r.Author.Login
		prev, seen := byAuthor[login]
		if !seen {
			order = append(order, login)
		} else if r.SubmittedAt.Before(prev.SubmittedAt) {
			continue
		}
		byAuthor[login] = r
	}
	out := make([]ghReview, 0, len(order))
	for _, login := range order {
		out = append(out, byAuthor[login])
	}
	return out
}

func ciFindings(checks []ghCheck) []review.Finding {
	var out []review.Finding
	for _, ch := range checks {
		result := ch.Conclusion
		if result == "" {
			result = ch.State
		}
		if !failingConclusions[result] {
			continue
		}
		name, url := ch.Name, ch.DetailsURL
		if name == "" {
			name, url = ch.Context, ch.TargetURL
		}
		desc := fmt.Sprintf("check %s reported %s", name, strings.ToLower(result))
		if url != "" {
			desc += " (" + url + ")"
		}
		out = append(out, review.Finding{
			Source:      CISource,
			Severity:    review.Major,
			Location:    name,
			Description: desc,
			Category:    review.CategoryCorrectness,
		})
	}
	return out
}

// validMergeStrategies is the set of allowed merge strategies.
var validMergeStrategies = map[string]bool{
	"squash": true,
	"merge":  true,
	"rebase": true,
}

// MergeOrIntegrate merges the pull request. A pull request that is already
// merged is treated as success.
func (c *Client) MergeOrIntegrate(ctx context.Context, requestID string) error {
	const op = "merge"
	strategy := c.opts.MergeStrategy
	if !validMergeStrategies[strategy] {
		return &workflow.PlatformError{Kind: workflow.PlatformConflict, Op: op,
			Err: fmt.Errorf("invalid merge strategy %q: must be squash, merge, or rebase", strategy)}
	}

	out, err := c.run(ctx, op, "pr", "view", requestID, "--json", "state")
	if err != nil {
		return err
	}
	var pr struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: op, Err: fmt.Errorf("parse PR JSON: %w", err)}
	}
	switch pr.State {
	case "MERGED":
		return nil
	case "CLOSED":
		return &workflow.PlatformError{Kind: workflow.PlatformConflict, Op: op, Err: fmt.Errorf("pull request %s is closed", requestID)}
	}

	_, err = c.run(ctx, op, "pr", "merge", requestID, "--"+strategy, "--delete-branch")
	return err
}

// CommentOnIssue posts body as a comment on the issue.
func (c *Client) CommentOnIssue(ctx context.Context, key, body string) error {
	n, err := issueNumber("comment", key)
	if err != nil {
		return err
	}
	_, err = c.run(ctx, "comment", "issue", "comment", strconv.Itoa(n), "--body", body)
	return err
}

// CreateFollowup files a new issue for a deferred finding and returns its
// key. An open issue with the same title is reused.
func (c *Client) CreateFollowup(ctx context.Context, parentKey string, f review.Retained) (string, error) {
	const op = "create follow-up"
	parent, err := issueNumber(op, parentKey)
	if err != nil {
		return "", err
	}
	title := followupTitle(parent, f)

	out, err := c.run(ctx, op, "issue", "list", "--state", "open", "--search", title+" in:title", "--json", "number,title", "--limit", "10")
	if err != nil {
		return "", err
	}
	var existing []struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal([]byte(out), &existing); err != nil {
		return "", &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: op, Err: fmt.Errorf("parse issue list JSON: %w", err)}
	}
	for _, e := range existing {
		if e.Title == title {
			return pipeline.Key("github", e.Number), nil
		}
	}

	args := []string{"issue", "create", "--title", title, "--body", followupBody(parent, f)}
	if c.opts.FollowupLabel != "" {
		args = append(args, "--label", c.opts.FollowupLabel)
	}
	out, err = c.run(ctx, op, args...)
	if err != nil {
		return "", err
	}
	url := lastLine(out)
	n, err := strconv.Atoi(url[strings.LastIndex(url, "/")+1:])
	if err != nil {
		return "", &workflow.PlatformError{Kind: workflow.PlatformUnavailable, Op: op, Err: fmt.Errorf("unexpected issue create output %q", out)}
	}
	return pipeline.Key("github", n), nil
}

const maxTitleLen = 72

func followupTitle(parent int, f review.Retained) string {
	desc := strings.TrimSpace(strings.SplitN(f.Description, "\n", 2)[0])
	if len(desc) > maxTitleLen {
		desc = strings.TrimSpace(desc[:maxTitleLen-3]) + "..."
	}
	return fmt.Sprintf("Follow-up #%d: %s", parent, desc)
}

func followupBody(parent int, f review.Retained) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Deferred from review of #%d.\n\n", parent)
	fmt.Fprintf(&b, "- **Location:** `%s`\n", f.Location)
	fmt.Fprintf(&b, "- **Category:** %s\n", f.Category)
	fmt.Fprintf(&b, "- **Severity:** %s", f.Severity)
	if f.Reported != "" && f.Reported != f.Severity {
		fmt.Fprintf(&b, " (reported as %s)", f.Reported)
	}
	b.WriteString("\n")
	if len(f.Sources) > 0 {
		fmt.Fprintf(&b, "- **Raised by:** %s\n", strings.Join(f.Sources, ", "))
	}
	fmt.Fprintf(&b, "\n%s\n", f.Description)
	return b.String()
}

var acHeaderRe = regexp.MustCompile(`(?mi)^##\s+acceptance\s+criteria`)
var checkboxRe = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
var nextHeaderRe = regexp.MustCompile(`(?m)^##\s+`)

// extractAcceptanceCriteria parses acceptance criteria from an issue body.
// It looks for "## Acceptance Criteria" header or checkbox lists.
func extractAcceptanceCriteria(body string) string {
	loc := acHeaderRe.FindStringIndex(body)
	if loc != nil {
		section := body[loc[1]:]
		if nextLoc := nextHeaderRe.FindStringIndex(section); nextLoc != nil {
			section = section[:nextLoc[0]]
		}
		return strings.TrimSpace(section)
	}

	matches := checkboxRe.FindAllStringSubmatch(body, -1)
	if len(matches) > 0 {
		var criteria []string
		for _, m := range matches {
			criteria = append(criteria, "- "+m[1])
		}
		return strings.Join(criteria, "\n")
	}

	return ""
}
