package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
	"github.com/lucasnoah/devflow/internal/workflow"
)

type mockRunner struct {
	prompts []string
	dirs    []string
	output  string
	err     error
	// block waits for the context before returning err.
	block bool
}

func (m *mockRunner) Run(ctx context.Context, dir, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	m.dirs = append(m.dirs, dir)
	if m.block {
		<-ctx.Done()
		return "", errors.New("signal: killed")
	}
	return m.output, m.err
}

func wantAgentKind(t *testing.T, err error, kind workflow.AgentErrorKind) {
	t.Helper()
	var ae *workflow.AgentError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *workflow.AgentError, got %T: %v", err, err)
	}
	if ae.Kind != kind {
		t.Errorf("kind = %q, want %q (err: %v)", ae.Kind, kind, err)
	}
}

func testIssue() workflow.Issue {
	return workflow.Issue{
		Key:                "github#42",
		Number:             42,
		Title:              "Add OAuth login!",
		Body:               "Users should sign in with GitHub.",
		AcceptanceCriteria: "- Login works",
		Labels:             []string{"feature", "auth"},
	}
}

func TestValidateIssue(t *testing.T) {
	r := &mockRunner{output: "Here is my assessment:\n```json\n{\"valid\": false, \"summary\": \"unclear scope\", \"clarifications\": [\"which providers?\"]}\n```\n"}
	c := New(r, Options{})

	res, err := c.ValidateIssue(context.Background(), testIssue())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Valid || res.Summary != "unclear scope" || len(res.Clarifications) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	p := r.prompts[0]
	for _, want := range []string{"github#42", "Add OAuth login!", "- Login works", "Labels: feature, auth"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestValidateIssue_MissingValid(t *testing.T) {
	c := New(&mockRunner{output: `{"summary": "fine"}`}, Options{})
	_, err := c.ValidateIssue(context.Background(), testIssue())
	wantAgentKind(t, err, workflow.AgentMalformedOutput)
}

func TestImplement(t *testing.T) {
	r := &mockRunner{output: `{"branch": "devflow/42-add-oauth-login", "summary": "Adds OAuth", "files_changed": ["auth.go", "auth_test.go"]}`}
	c := New(r, Options{})

	pol, err := policy.Resolve(policy.Stable)
	if err != nil {
		t.Fatal(err)
	}
	verdict := &review.Verdict{
		Outcome: review.RequestChanges,
		Retained: []review.Retained{{Finding: review.Finding{
			Severity: review.Blocking, Location: "auth.go:3", Category: review.CategorySecurity, Description: "token logged",
		}}},
	}
	log := pipeline.ContextLog{}.Append(pipeline.ContextEntry{
		Stage: pipeline.StageImplementation, Attempt: 1, Kind: pipeline.EntryFailure, Content: "tests failed", At: time.Now(),
	}, pipeline.DefaultLimits())

	cs, err := c.Implement(context.Background(), workflow.ImplementationRequest{
		Issue: testIssue(), Context: log, Attempt: 2, Policy: pol, Feedback: verdict,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.Branch != "devflow/42-add-oauth-login" || cs.Summary != "Adds OAuth" || len(cs.FilesChanged) != 2 {
		t.Errorf("unexpected change set: %+v", cs)
	}
	if cs.Transcript != r.output {
		t.Errorf("transcript = %q, want the agent output", cs.Transcript)
	}

	p := r.prompts[0]
	for _, want := range []string{"Branch: devflow/42-add-oauth-login", "Attempt: 2 of", "Maturity: stable", "token logged", "tests failed"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestImplement_DefaultsBranch(t *testing.T) {
	c := New(&mockRunner{output: `{"summary": "done"}`}, Options{BranchPrefix: "bot/"})
	cs, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cs.Branch != "bot/42-add-oauth-login" {
		t.Errorf("branch = %q", cs.Branch)
	}
}

type mockWorkspace struct {
	branches []string
	err      error
}

func (w *mockWorkspace) Dir(ctx context.Context, branch string) (string, error) {
	w.branches = append(w.branches, branch)
	if w.err != nil {
		return "", w.err
	}
	return "/worktrees/" + strings.ReplaceAll(branch, "/", "-"), nil
}

func TestWorkspace_PerBranch(t *testing.T) {
	ws := &mockWorkspace{}
	r := &mockRunner{output: `{"summary": "done", "findings": [], "valid": true}`}
	c := New(r, Options{Workspace: ws})
	ctx := context.Background()

	if _, err := c.ValidateIssue(ctx, testIssue()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Implement(ctx, workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Review(ctx, pipeline.ChangeSet{Branch: "devflow/42-add-oauth-login", Summary: "s"}); err != nil {
		t.Fatal(err)
	}

	want := []string{"", "/worktrees/devflow-42-add-oauth-login", "/worktrees/devflow-42-add-oauth-login"}
	if strings.Join(r.dirs, ",") != strings.Join(want, ",") {
		t.Errorf("dirs = %q, want %q", r.dirs, want)
	}
	if len(ws.branches) != 2 {
		t.Errorf("validation must not touch the workspace, got %v", ws.branches)
	}
}

func TestWorkspace_Failure(t *testing.T) {
	r := &mockRunner{output: `{"summary": "done"}`}
	c := New(r, Options{Workspace: &mockWorkspace{err: errors.New("git worktree add: locked")}})
	_, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	wantAgentKind(t, err, workflow.AgentUnavailable)
	if len(r.prompts) != 0 {
		t.Error("agent must not run without its workspace")
	}
}

type mockDiffer struct {
	diff  string
	files []string
	err   error
}

func (d *mockDiffer) Diff(ctx context.Context, branch string) (string, []string, error) {
	return d.diff, d.files, d.err
}

func TestImplement_DiffFromGit(t *testing.T) {
	r := &mockRunner{output: `{"summary": "done", "diff": "made up", "files_changed": ["a.go"]}`}
	c := New(r, Options{Differ: &mockDiffer{diff: "real diff", files: []string{"a.go", "a_test.go"}}})

	cs, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	if err != nil {
		t.Fatalf("Implement: %v", err)
	}
	if cs.Diff != "real diff" || len(cs.FilesChanged) != 2 {
		t.Errorf("change set = %+v", cs)
	}
}

func TestImplement_DiffErrorKeepsReported(t *testing.T) {
	r := &mockRunner{output: `{"summary": "done", "diff": "reported"}`}
	c := New(r, Options{Differ: &mockDiffer{err: errors.New("git: not a repository")}})

	cs, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	if err != nil {
		t.Fatalf("Implement: %v", err)
	}
	if cs.Diff != "reported" {
		t.Errorf("diff = %q, want reported", cs.Diff)
	}
}

func TestImplement_NoChanges(t *testing.T) {
	r := &mockRunner{output: `{"summary": "done"}`}
	c := New(r, Options{Differ: &mockDiffer{}})

	_, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	wantAgentKind(t, err, workflow.AgentMalformedOutput)
}

func TestImplement_MissingSummary(t *testing.T) {
	c := New(&mockRunner{output: `{"branch": "x"}`}, Options{})
	_, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	wantAgentKind(t, err, workflow.AgentMalformedOutput)
}

func TestImplement_Refused(t *testing.T) {
	c := New(&mockRunner{output: "I can't do that.\n{\"refused\": true, \"reason\": \"requires credentials\"}"}, Options{})
	_, err := c.Implement(context.Background(), workflow.ImplementationRequest{Issue: testIssue(), Attempt: 1})
	wantAgentKind(t, err, workflow.AgentRefused)
	if !strings.Contains(err.Error(), "requires credentials") {
		t.Errorf("error should carry the reason, got %v", err)
	}
}

func TestReview(t *testing.T) {
	r := &mockRunner{output: `{"findings": [
		{"severity": "major", "location": "auth.go:10", "category": "correctness", "description": "nil deref", "source": "spoofed", "human": true},
		{"severity": "minor", "location": "auth.go:20", "category": "style", "description": "rename"}
	]}`}
	c := New(r, Options{Source: "claude-reviewer"})

	findings, err := c.Review(context.Background(), pipeline.ChangeSet{
		Branch: "devflow/42", Summary: "Adds OAuth", Diff: "+func Login()", FilesChanged: []string{"auth.go"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(findings))
	}
	for _, f := range findings {
		if f.Source != "claude-reviewer" || f.Human {
			t.Errorf("finding not attributed to the reviewer: %+v", f)
		}
	}
	p := r.prompts[0]
	if !strings.Contains(p, "+func Login()") || !strings.Contains(p, "- auth.go") {
		t.Errorf("prompt missing diff or files:\n%s", p)
	}
}

func TestReview_NoFindings(t *testing.T) {
	c := New(&mockRunner{output: `{"findings": []}`}, Options{})
	findings, err := c.Review(context.Background(), pipeline.ChangeSet{Branch: "b", Summary: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %v", findings)
	}
}

func TestReview_MissingFindings(t *testing.T) {
	c := New(&mockRunner{output: `{"approved": true}`}, Options{})
	_, err := c.Review(context.Background(), pipeline.ChangeSet{Branch: "b", Summary: "s"})
	wantAgentKind(t, err, workflow.AgentMalformedOutput)
}

func TestAsk_MalformedOutput(t *testing.T) {
	for _, out := range []string{"no json here", "{not json}", ""} {
		c := New(&mockRunner{output: out}, Options{})
		_, err := c.ValidateIssue(context.Background(), testIssue())
		wantAgentKind(t, err, workflow.AgentMalformedOutput)
	}
}

func TestAsk_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	c := New(&mockRunner{block: true}, Options{})

	_, err := c.ValidateIssue(ctx, testIssue())
	wantAgentKind(t, err, workflow.AgentTimeout)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded in chain, got %v", err)
	}
}

func TestAsk_ProcessFailure(t *testing.T) {
	c := New(&mockRunner{err: errors.New("claude --print: exec: not found")}, Options{})
	_, err := c.ValidateIssue(context.Background(), testIssue())
	wantAgentKind(t, err, workflow.AgentUnavailable)
}

func TestBranchName(t *testing.T) {
	c := New(&mockRunner{}, Options{})
	tests := []struct {
		issue workflow.Issue
		want  string
	}{
		{workflow.Issue{Number: 7, Title: "Fix: crash on empty input"}, "devflow/7-fix-crash-on-empty-input"},
		{workflow.Issue{Number: 8, Title: "!!!"}, "devflow/8"},
		{workflow.Issue{Number: 9, Title: strings.Repeat("long words ", 10)}, "devflow/9-long-words-long-words-long-words-long-wo"},
	}
	for _, tt := range tests {
		if got := c.BranchName(tt.issue); got != tt.want {
			t.Errorf("BranchName(%q) = %q, want %q", tt.issue.Title, got, tt.want)
		}
	}
}

func TestCLIRunner_Args(t *testing.T) {
	r := &CLIRunner{Model: "sonnet", Flags: "--dangerously-skip-permissions  --verbose"}
	got := strings.Join(r.Args(), " ")
	if got != "--print --model sonnet --dangerously-skip-permissions --verbose" {
		t.Errorf("Args() = %q", got)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"clean", `{"a":1}`, `{"a":1}`},
		{"preamble", "Sure, here you go:\n{\"a\":1}", `{"a":1}`},
		{"whitespace", "  \n  {\"a\":1}  \n  ", `{"a":1}`},
		{"fenced wins", "example {\"x\":0}\n```json\n{\"a\":1}\n```\n", `{"a":1}`},
		{"last fence", "```json\n{\"a\":1}\n```\nrevised:\n```json\n{\"a\":2}\n```", `{"a":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("extractJSON = %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := extractJSON("plain text"); err == nil {
		t.Error("expected error for output with no JSON")
	}
}
