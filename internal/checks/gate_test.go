package checks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

type mockWorkspace struct {
	dirs map[string]string
	err  error
}

func (w *mockWorkspace) Dir(ctx context.Context, branch string) (string, error) {
	if w.err != nil {
		return "", w.err
	}
	return w.dirs[branch], nil
}

func TestGate_AllPass(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0}, {ExitCode: 0}}}
	gate := NewGate(NewRunner(mock), []Check{
		{Name: "vet", Command: "go vet ./...", Parser: "lines"},
		{Name: "test", Command: "go test -json ./...", Parser: "gotest"},
	}, GateOptions{Dir: "/repo"})

	findings, results, err := gate.Run(context.Background(), pipeline.ChangeSet{Branch: "devflow/issue-7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %+v", findings)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results, got %d", len(results))
	}
	for _, c := range mock.calls {
		if c.Dir != "/repo" {
			t.Errorf("dir = %q, want /repo", c.Dir)
		}
	}
}

func TestGate_RunsAllChecksAfterFailure(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: "a.go:1:1: bad", ExitCode: 1},
		{ExitCode: 0},
	}}
	gate := NewGate(NewRunner(mock), []Check{
		{Name: "vet", Command: "go vet ./...", Parser: "lines", Category: "correctness"},
		{Name: "test", Command: "go test ./..."},
	}, GateOptions{})

	findings, err := gate.Check(context.Background(), pipeline.ChangeSet{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.calls) != 2 {
		t.Errorf("expected both checks to run, got %d calls", len(mock.calls))
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Source != Source || f.Severity != review.Major || f.Location != "a.go:1" || f.Category != "correctness" || f.Description != "bad" {
		t.Errorf("finding = %+v", f)
	}
}

func TestGate_FailureWithoutIssues(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stderr: "make: *** [check] Error 1", ExitCode: 2}}}
	gate := NewGate(NewRunner(mock), []Check{
		{Name: "make", Command: "make check", Severity: review.Blocking},
	}, GateOptions{})

	findings, err := gate.Check(context.Background(), pipeline.ChangeSet{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}
	f := findings[0]
	if f.Severity != review.Blocking {
		t.Errorf("severity = %q, want blocking", f.Severity)
	}
	if f.Location != "make" || f.Category != "make" {
		t.Errorf("location/category = %q/%q", f.Location, f.Category)
	}
	if !strings.Contains(f.Description, "Error 1") {
		t.Errorf("description = %q", f.Description)
	}
}

func TestGate_AutoFixedPassIsReported(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: "main.go:1:1: not formatted", ExitCode: 1},
		{ExitCode: 0},
		{ExitCode: 0},
		{ExitCode: 0},
	}}
	gate := NewGate(NewRunner(mock), []Check{
		{Name: "fmt", Command: "test -z \"$(gofmt -l .)\"", Parser: "lines", FixCommand: "gofmt -w .", Severity: review.Minor},
		{Name: "vet", Command: "go vet ./...", FixCommand: "true"},
	}, GateOptions{})

	findings, results, err := gate.Run(context.Background(), pipeline.ChangeSet{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 || !results[0].Passed || !results[0].AutoFixed || results[1].AutoFixed {
		t.Fatalf("results = %+v", results)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %+v", findings)
	}
	f := findings[0]
	if f.Source != Source || f.Severity != review.Major || f.Location != "fmt" || f.Category != "fmt" {
		t.Errorf("finding = %+v", f)
	}
	if !strings.Contains(f.Description, "gofmt -w .") {
		t.Errorf("description = %q", f.Description)
	}
}

func TestGate_CapsIssuesPerCheck(t *testing.T) {
	var out strings.Builder
	for i := 1; i <= maxIssuesPerCheck+5; i++ {
		fmt.Fprintf(&out, "a.go:%d:1: issue %d\n", i, i)
	}
	mock := &mockCmd{results: []mockResult{{Stdout: out.String(), ExitCode: 1}}}
	gate := NewGate(NewRunner(mock), []Check{{Name: "lint", Command: "golangci-lint run", Parser: "lines"}}, GateOptions{})

	findings, err := gate.Check(context.Background(), pipeline.ChangeSet{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(findings) != maxIssuesPerCheck+1 {
		t.Fatalf("expected %d findings, got %d", maxIssuesPerCheck+1, len(findings))
	}
	last := findings[len(findings)-1]
	if last.Description != "lint reported 5 more issues" {
		t.Errorf("last = %q", last.Description)
	}
}

func TestGate_UsesWorkspace(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{ExitCode: 0}}}
	ws := &mockWorkspace{dirs: map[string]string{"devflow/issue-7": "/wt/devflow-issue-7"}}
	gate := NewGate(NewRunner(mock), []Check{{Name: "test", Command: "go test ./..."}}, GateOptions{Workspace: ws, Dir: "/repo"})

	if _, err := gate.Check(context.Background(), pipeline.ChangeSet{Branch: "devflow/issue-7"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.calls[0].Dir != "/wt/devflow-issue-7" {
		t.Errorf("dir = %q", mock.calls[0].Dir)
	}
}

func TestGate_WorkspaceError(t *testing.T) {
	ws := &mockWorkspace{err: errors.New("git worktree add failed")}
	gate := NewGate(NewRunner(&mockCmd{}), []Check{{Name: "test", Command: "go test ./..."}}, GateOptions{Workspace: ws})

	if _, err := gate.Check(context.Background(), pipeline.ChangeSet{Branch: "b"}); err == nil {
		t.Error("expected workspace error")
	}
}

func TestGate_FindingsMergeCleanly(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "a.go:1:1: bad", ExitCode: 1}}}
	gate := NewGate(NewRunner(mock), []Check{{Name: "vet", Command: "go vet", Parser: "lines"}}, GateOptions{})
	findings, err := gate.Check(context.Background(), pipeline.ChangeSet{})
	if err != nil {
		t.Fatal(err)
	}

	v := review.NewMerger(review.Config{}).Merge([][]review.Finding{findings}, policy.Policy{})
	if len(v.Rejected) != 0 {
		t.Errorf("check findings rejected: %+v", v.Rejected)
	}
}
