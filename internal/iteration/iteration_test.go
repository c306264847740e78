package iteration

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
)

func instanceAt(stage pipeline.Stage, attempt int) *pipeline.Instance {
	inst := pipeline.NewInstance("github#1", "t", policy.EarlyStage)
	inst.Stage = stage
	inst.Attempts[stage] = attempt
	return inst
}

func mustPolicy(t *testing.T, m policy.Maturity) policy.Policy {
	t.Helper()
	p, err := policy.Resolve(m)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", m, err)
	}
	return p
}

func TestDecide_RetryBoundary(t *testing.T) {
	c := New(pipeline.DefaultLimits())
	for _, m := range policy.Levels() {
		p := mustPolicy(t, m)
		for attempt := 1; attempt <= p.MaxIterations; attempt++ {
			d := c.Decide(instanceAt(pipeline.StageImplementation, attempt), Failed(FailureAgent, "boom"), p)
			if d.Kind != Retry {
				t.Errorf("%s attempt %d: got %s, want retry", m, attempt, d.Kind)
			}
			if d.Next != pipeline.StageImplementation {
				t.Errorf("%s attempt %d: next = %s", m, attempt, d.Next)
			}
		}
		d := c.Decide(instanceAt(pipeline.StageImplementation, p.MaxIterations+1), Failed(FailureAgent, "boom"), p)
		if d.Kind != Abort {
			t.Fatalf("%s attempt %d: got %s, want abort", m, p.MaxIterations+1, d.Kind)
		}
		if d.Abort == nil || d.Abort.Kind != pipeline.AbortMaxIterations {
			t.Errorf("%s: abort reason = %+v", m, d.Abort)
		}
		if d.Next != pipeline.StageFailed {
			t.Errorf("%s: abort next = %s", m, d.Next)
		}
	}
}

func TestDecide_SuccessAdvances(t *testing.T) {
	c := New(pipeline.DefaultLimits())
	p := mustPolicy(t, policy.Stable)
	for _, s := range pipeline.Stages {
		d := c.Decide(instanceAt(s, 1), Succeeded(), p)
		if d.Kind != Advance || d.Next != s.Next() {
			t.Errorf("%s success: %+v", s, d)
		}
		if len(d.Context.Entries) != 0 {
			t.Errorf("%s success: advance should not carry context", s)
		}
	}
}

func TestDecide_RetryCarriesFailureContext(t *testing.T) {
	c := New(pipeline.DefaultLimits())
	inst := instanceAt(pipeline.StageValidation, 1)
	d := c.Decide(inst, Failed(FailureInvalid, "missing acceptance criteria", "what is the expected output?"), mustPolicy(t, policy.Prototype))
	if d.Kind != Retry {
		t.Fatalf("got %s", d.Kind)
	}
	e, ok := d.Context.Latest(pipeline.EntryFailure)
	if !ok {
		t.Fatal("failure entry missing")
	}
	if !strings.Contains(e.Content, "missing acceptance criteria") || !strings.Contains(e.Content, "expected output") {
		t.Errorf("entry content = %q", e.Content)
	}
	if e.Stage != pipeline.StageValidation || e.Attempt != 1 {
		t.Errorf("entry stage/attempt = %s/%d", e.Stage, e.Attempt)
	}
	if len(inst.Context.Entries) != 0 {
		t.Error("Decide mutated the instance context")
	}
}

func TestDecide_ContextStaysBounded(t *testing.T) {
	c := New(pipeline.Limits{MaxEntries: 3, MaxBytes: 1 << 20})
	inst := instanceAt(pipeline.StageImplementation, 1)
	p := mustPolicy(t, policy.Prototype)
	for i := 0; i < 10; i++ {
		d := c.Decide(inst, Failed(FailureAgent, fmt.Sprintf("failure %d", i)), p)
		inst.Context = d.Context
	}
	if len(inst.Context.Entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(inst.Context.Entries))
	}
	last := inst.Context.Entries[2]
	if !strings.Contains(last.Content, "failure 9") {
		t.Errorf("newest entry lost: %q", last.Content)
	}
}

func TestDecide_ReviewLoopBack(t *testing.T) {
	c := New(pipeline.DefaultLimits())
	p := mustPolicy(t, policy.EarlyStage)

	d := c.Decide(instanceAt(pipeline.StageReview, 1), Failed(FailureChangesRequested, "1 major finding"), p)
	if d.Kind != Retry || !d.LoopBack || d.Next != pipeline.StageImplementation {
		t.Fatalf("changes requested: %+v", d)
	}
	if _, ok := d.Context.Latest(pipeline.EntryReview); !ok {
		t.Error("review feedback not carried")
	}

	d = c.Decide(instanceAt(pipeline.StageReview, 1), Failed(FailureAgent, "timeout"), p)
	if d.LoopBack || d.Next != pipeline.StageReview {
		t.Errorf("agent failure during review should retry review: %+v", d)
	}

	d = c.Decide(instanceAt(pipeline.StageReview, p.MaxIterations+1), Failed(FailureChangesRequested, "still broken"), p)
	if d.Kind != Abort || d.Abort.Kind != pipeline.AbortMaxIterations {
		t.Errorf("exhausted review: %+v", d)
	}
}

func TestDecide_TerminalStage(t *testing.T) {
	c := New(pipeline.DefaultLimits())
	d := c.Decide(instanceAt(pipeline.StageCompleted, 1), Succeeded(), mustPolicy(t, policy.Mature))
	if d.Kind != Abort || d.Abort.Kind != pipeline.AbortConfiguration {
		t.Errorf("terminal stage: %+v", d)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	c := New(pipeline.DefaultLimits())
	p := mustPolicy(t, policy.Mature)
	out := Failed(FailurePlatform, "rate limited", "wait")
	a := c.Decide(instanceAt(pipeline.StageFinalization, 2), out, p)
	b := c.Decide(instanceAt(pipeline.StageFinalization, 2), out, p)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("non-deterministic:\n%+v\n%+v", a, b)
	}
}
