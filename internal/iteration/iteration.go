// Package iteration decides what happens after a stage attempt: advance,
// retry with carried context, or abort.
package iteration

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
)

// Kind is the controller's decision.
type Kind string

const (
	Advance Kind = "advance"
	Retry   Kind = "retry"
	Abort   Kind = "abort"
)

// Failure kinds reported in Outcome.Kind by the state machine.
const (
	FailureInvalid          = "invalid_issue"
	FailureChangesRequested = "changes_requested"
	FailureTimeout          = "timeout"
	FailureAgent            = "agent_error"
	FailurePlatform         = "platform_error"
)

// Outcome is the result of one stage attempt.
type Outcome struct {
	Success bool
	Detail  string
	Hints   []string
	Kind    string
	// At stamps the context entry. The controller never reads a clock.
	At time.Time
}

// Failed builds a failing Outcome.
func Failed(kind, detail string, hints ...string) Outcome {
	return Outcome{Kind: kind, Detail: detail, Hints: hints}
}

// Succeeded builds a successful Outcome.
func Succeeded() Outcome {
	return Outcome{Success: true}
}

// Decision tells the state machine which stage to enter next.
type Decision struct {
	Kind Kind
	// Next is the stage to enter: the following stage on Advance, the same
	// stage on Retry (implementation on a review loop-back), failed on Abort.
	Next pipeline.Stage
	// LoopBack is set when a review requested changes and the machine must
	// return to implementation.
	LoopBack bool
	// Context is the instance's context after recording the failure. It is
	// only populated on Retry and Abort.
	Context pipeline.ContextLog
	Abort   *pipeline.AbortReason
}

// Controller is stateless apart from its context bounds; Decide is a pure
// function of its arguments.
type Controller struct {
	limits pipeline.Limits
}

// New creates a Controller bounding carried context by lim.
func New(lim pipeline.Limits) *Controller {
	return &Controller{limits: lim}
}

// Limits returns the context bounds in use.
func (c *Controller) Limits() pipeline.Limits {
	return c.limits
}

// Decide maps a stage outcome to the next transition. A failure is retried
// while the current stage's attempt count is at most p.MaxIterations; the
// attempt after that aborts with MaxIterationsExceeded.
func (c *Controller) Decide(inst *pipeline.Instance, out Outcome, p policy.Policy) Decision {
	stage := inst.Stage
	if stage.Terminal() || !stage.Valid() {
		return Decision{
			Kind:    Abort,
			Next:    pipeline.StageFailed,
			Context: inst.Context,
			Abort: &pipeline.AbortReason{
				Kind:   pipeline.AbortConfiguration,
				Stage:  stage,
				Detail: fmt.Sprintf("no transition from stage %q", stage),
			},
		}
	}

	if out.Success {
		return Decision{Kind: Advance, Next: stage.Next()}
	}

	limit := p.MaxIterations
	if limit < 1 {
		limit = 1
	}
	attempt := inst.Attempt()
	ctxLog := inst.Context.Append(c.entry(inst, out), c.limits)

	if attempt > limit {
		return Decision{
			Kind:    Abort,
			Next:    pipeline.StageFailed,
			Context: ctxLog,
			Abort: &pipeline.AbortReason{
				Kind:   pipeline.AbortMaxIterations,
				Stage:  stage,
				Detail: fmt.Sprintf("attempt %d of %d: %s", attempt, limit+1, out.Detail),
			},
		}
	}

	d := Decision{Kind: Retry, Next: stage, Context: ctxLog}
	if stage == pipeline.StageReview && out.Kind == FailureChangesRequested {
		d.Next = pipeline.StageImplementation
		d.LoopBack = true
	}
	return d
}

func (c *Controller) entry(inst *pipeline.Instance, out Outcome) pipeline.ContextEntry {
	kind := pipeline.EntryFailure
	if out.Kind == FailureChangesRequested {
		kind = pipeline.EntryReview
	}

	var b strings.Builder
	if out.Kind != "" {
		fmt.Fprintf(&b, "[%s] ", out.Kind)
	}
	b.WriteString(out.Detail)
	for _, h := range out.Hints {
		b.WriteString("\n- ")
		b.WriteString(h)
	}

	return pipeline.ContextEntry{
		Stage:   inst.Stage,
		Attempt: inst.Attempt(),
		Kind:    kind,
		Content: b.String(),
		At:      out.At,
	}
}
