package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/workflow"
)

type mockExecutor struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*workflow.Result
	errs    map[string]error
	delay   time.Duration
	block   map[string]chan struct{}
	started chan string

	inFlight atomic.Int32
	peak     atomic.Int32
}

func (e *mockExecutor) Run(ctx context.Context, key string) (*workflow.Result, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, key)
	ch := e.block[key]
	e.mu.Unlock()

	if e.started != nil {
		e.started <- key
	}
	if ch != nil {
		<-ch
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if err := e.errs[key]; err != nil {
		return nil, err
	}
	if r, ok := e.results[key]; ok {
		return r, nil
	}
	return &workflow.Result{Key: key, Outcome: workflow.OutcomeCompleted, Stage: pipeline.StageCompleted}, nil
}

func TestRun_BoundedConcurrency(t *testing.T) {
	exec := &mockExecutor{delay: 20 * time.Millisecond}
	r := New(exec, nil, Options{MaxConcurrent: 2})

	keys := make([]string, 6)
	for i := range keys {
		keys[i] = pipeline.Key("github", i+1)
	}
	rep := r.Run(context.Background(), keys)

	if rep.Completed != 6 {
		t.Errorf("completed = %d, want 6", rep.Completed)
	}
	if p := exec.peak.Load(); p > 2 || p < 1 {
		t.Errorf("peak concurrency = %d, want 1..2", p)
	}
	for i, o := range rep.Outcomes {
		if o.Key != keys[i] {
			t.Errorf("outcome %d key = %s, want %s", i, o.Key, keys[i])
		}
	}
}

func TestRun_AggregatesOutcomes(t *testing.T) {
	exec := &mockExecutor{
		results: map[string]*workflow.Result{
			"github#2": {Key: "github#2", Outcome: workflow.OutcomeFailed, Stage: pipeline.StageFailed,
				Abort: &pipeline.AbortReason{Kind: pipeline.AbortBlocked, Stage: pipeline.StageReview}},
			"github#3": {Key: "github#3", Outcome: workflow.OutcomeCancelled, Stage: pipeline.StageFailed},
		},
		errs: map[string]error{
			"github#4": fmt.Errorf("load: %w", errors.New("disk full")),
			"github#5": fmt.Errorf("github#5: %w", workflow.ErrInstanceActive),
		},
	}
	r := New(exec, nil, Options{MaxConcurrent: 4})
	rep := r.Run(context.Background(), []string{"github#1", "github#2", "github#3", "github#4", "github#5", "github#1"})

	if rep.Completed != 1 || rep.Failed != 1 || rep.Cancelled != 1 || rep.Errored != 1 || rep.Skipped != 2 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Outcomes[1].Abort == nil || rep.Outcomes[1].Abort.Kind != pipeline.AbortBlocked {
		t.Errorf("abort reason not surfaced: %+v", rep.Outcomes[1])
	}
	if rep.Outcomes[3].Error == "" {
		t.Error("error message not surfaced")
	}
	if rep.Outcomes[5].Outcome != OutcomeSkipped {
		t.Errorf("duplicate key outcome = %s", rep.Outcomes[5].Outcome)
	}
	if len(exec.calls) != 5 {
		t.Errorf("executor calls = %d, want 5", len(exec.calls))
	}
}

func TestRun_KeyExclusiveAcrossCalls(t *testing.T) {
	release := make(chan struct{})
	exec := &mockExecutor{
		block:   map[string]chan struct{}{"github#1": release},
		started: make(chan string, 4),
	}
	r := New(exec, nil, Options{MaxConcurrent: 4})

	done := make(chan Report)
	go func() { done <- r.Run(context.Background(), []string{"github#1"}) }()
	<-exec.started

	second := r.Run(context.Background(), []string{"github#1", "github#2"})
	if second.Skipped != 1 || second.Outcomes[0].Outcome != OutcomeSkipped {
		t.Errorf("second run = %+v, want github#1 skipped", second)
	}
	if second.Completed != 1 {
		t.Errorf("github#2 blocked by github#1: %+v", second)
	}

	close(release)
	first := <-done
	if first.Completed != 1 {
		t.Errorf("first run = %+v", first)
	}

	third := r.Run(context.Background(), []string{"github#1"})
	if third.Completed != 1 {
		t.Errorf("key not released after run: %+v", third)
	}
}

func TestResume_RunsActiveOnly(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewFileStore(t.TempDir())
	for _, tc := range []struct {
		id    string
		stage pipeline.Stage
	}{
		{"github#1", pipeline.StageReview},
		{"github#2", pipeline.StageCompleted},
		{"github#3", pipeline.StageImplementation},
	} {
		inst := pipeline.NewInstance(tc.id, "", policy.Stable)
		inst.Stage = tc.stage
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	exec := &mockExecutor{}
	rep, err := New(exec, store, Options{}).Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if rep.Completed != 2 {
		t.Errorf("report = %+v", rep)
	}
	if len(exec.calls) != 2 {
		t.Errorf("calls = %v, want github#1 and github#3", exec.calls)
	}
	for _, k := range exec.calls {
		if k == "github#2" {
			t.Error("resumed a completed instance")
		}
	}
}

func TestCleanup_RemovesOldTerminal(t *testing.T) {
	ctx := context.Background()
	store := pipeline.NewFileStore(t.TempDir())
	for _, tc := range []struct {
		id    string
		stage pipeline.Stage
	}{
		{"github#1", pipeline.StageCompleted},
		{"github#2", pipeline.StageFailed},
		{"github#3", pipeline.StageReview},
	} {
		inst := pipeline.NewInstance(tc.id, "", policy.Stable)
		inst.Stage = tc.stage
		if err := store.Save(ctx, inst); err != nil {
			t.Fatal(err)
		}
	}

	// Nothing is old yet.
	r := New(&mockExecutor{}, store, Options{})
	removed, err := r.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("removed fresh instances: %v", removed)
	}

	later := New(&mockExecutor{}, store, Options{Now: func() time.Time { return time.Now().Add(48 * time.Hour) }})
	removed, err = later.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(removed) != 2 || removed[0] != "github#1" || removed[1] != "github#2" {
		t.Errorf("removed = %v, want [github#1 github#2]", removed)
	}
	if _, err := store.Load(ctx, "github#3"); err != nil {
		t.Errorf("active instance removed: %v", err)
	}
}
