// Package workflow drives one issue through validation, implementation,
// review and finalization, persisting every transition through a
// pipeline.Store so a crashed run resumes where it stopped.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lucasnoah/devflow/internal/iteration"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
	"github.com/lucasnoah/devflow/internal/telemetry"
)

// DefaultLeaseDuration is how long a process may hold an instance between
// persisted transitions.
const DefaultLeaseDuration = time.Hour

// Terminal outcomes reported in Result.Outcome.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Options configures a Machine. Store, Platform and Agent are required.
type Options struct {
	Store    pipeline.Store
	Platform PlatformAdapter
	Agent    AgentProvider

	// Checker is an optional extra review source run before the merge.
	Checker Checker

	Merger     *review.Merger
	Controller *iteration.Controller
	Events     EventRecorder
	Logger     zerolog.Logger
	Metrics    *telemetry.Metrics

	// Maturity is snapshotted into instances created by this machine.
	Maturity policy.Maturity
	// StageTimeouts bounds each collaborator call; zero means no limit.
	StageTimeouts map[pipeline.Stage]time.Duration
	LeaseDuration time.Duration
	// Owner identifies this process in instance leases. Defaults to a random UUID.
	Owner string
	// FileFollowups creates follow-up issues for non-blocking findings when
	// the platform supports it.
	FileFollowups bool
	// CommentOnValidation posts the validation outcome on the issue when the
	// platform supports it.
	CommentOnValidation bool

	Now func() time.Time
}

// Machine is the workflow state machine. It is safe for concurrent use on
// distinct keys.
type Machine struct {
	store      pipeline.Store
	platform   PlatformAdapter
	agent      AgentProvider
	checker    Checker
	merger     *review.Merger
	controller *iteration.Controller
	events     EventRecorder
	log        zerolog.Logger
	metrics    *telemetry.Metrics

	maturity      policy.Maturity
	timeouts      map[pipeline.Stage]time.Duration
	lease         time.Duration
	owner         string
	fileFollowups bool
	comment       bool
	now           func() time.Time
}

// New validates opts and builds a Machine.
func New(opts Options) (*Machine, error) {
	if opts.Store == nil || opts.Platform == nil || opts.Agent == nil {
		return nil, fmt.Errorf("workflow: store, platform and agent are required: %w", ErrConfiguration)
	}
	if opts.Maturity == "" {
		opts.Maturity = policy.EarlyStage
	}
	if _, err := policy.Resolve(opts.Maturity); err != nil {
		return nil, err
	}
	if opts.Merger == nil {
		opts.Merger = review.NewMerger(review.DefaultConfig())
	}
	if opts.Controller == nil {
		opts.Controller = iteration.New(pipeline.DefaultLimits())
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Machine{
		store:         opts.Store,
		platform:      opts.Platform,
		agent:         opts.Agent,
		checker:       opts.Checker,
		merger:        opts.Merger,
		controller:    opts.Controller,
		events:        opts.Events,
		log:           telemetry.Component(opts.Logger, "workflow"),
		metrics:       opts.Metrics,
		maturity:      opts.Maturity,
		timeouts:      opts.StageTimeouts,
		lease:         opts.LeaseDuration,
		owner:         opts.Owner,
		fileFollowups: opts.FileFollowups,
		comment:       opts.CommentOnValidation,
		now:           opts.Now,
	}, nil
}

// Result describes where a run left an instance.
type Result struct {
	Key      string                 `json:"key"`
	Outcome  string                 `json:"outcome"`
	Stage    pipeline.Stage         `json:"stage"`
	Attempts map[pipeline.Stage]int `json:"attempts"`
	Abort    *pipeline.AbortReason  `json:"abort,omitempty"`
	Instance *pipeline.Instance     `json:"-"`
}

func resultFor(inst *pipeline.Instance) *Result {
	r := &Result{
		Key:      inst.ID,
		Stage:    inst.Stage,
		Attempts: inst.Attempts,
		Abort:    inst.Abort,
		Instance: inst,
	}
	switch {
	case inst.Stage == pipeline.StageCompleted:
		r.Outcome = OutcomeCompleted
	case inst.Abort != nil && inst.Abort.Kind == pipeline.AbortCancelled:
		r.Outcome = OutcomeCancelled
	case inst.Stage == pipeline.StageFailed:
		r.Outcome = OutcomeFailed
	}
	return r
}

// Run drives the instance for key until it reaches a terminal stage, the
// context is cancelled, or a non-retryable error occurs. An unknown key is
// created at validation. A terminal instance is returned unchanged.
func (m *Machine) Run(ctx context.Context, key string) (*Result, error) {
	inst, err := m.loadOrCreate(ctx, key)
	if err != nil {
		return nil, err
	}
	if !inst.Active() {
		return resultFor(inst), nil
	}

	pol, err := policy.Resolve(inst.Maturity)
	if err != nil {
		reason := &pipeline.AbortReason{Kind: pipeline.AbortConfiguration, Stage: inst.Stage, Detail: err.Error()}
		if rec, cerr := m.commit(context.WithoutCancel(ctx), inst, func(c *pipeline.Instance) {
			c.Stage = pipeline.StageFailed
			c.Abort = reason
		}); cerr == nil {
			m.event(ctx, rec.ID, "failed", reason.Stage, 1, reason.String())
		}
		return nil, fmt.Errorf("resolve policy for %s: %w", key, err)
	}

	inst, err = m.acquire(ctx, inst)
	if err != nil {
		return nil, err
	}

	m.metrics.WorkflowStarted()
	log := m.log.With().Str("issue", key).Str("maturity", string(inst.Maturity)).Logger()
	log.Info().Str("stage", string(inst.Stage)).Int("attempt", inst.Attempt()).Msg("workflow run started")

	for inst.Active() {
		if ctx.Err() != nil {
			inst, err = m.cancel(ctx, inst, &log)
			break
		}
		inst, err = m.step(ctx, inst, pol, &log)
		if err != nil {
			break
		}
	}

	if err != nil {
		m.metrics.WorkflowFinished("error")
		log.Error().Err(err).Msg("workflow run stopped")
		return nil, err
	}
	res := resultFor(inst)
	m.metrics.WorkflowFinished(res.Outcome)
	log.Info().Str("outcome", res.Outcome).Str("stage", string(inst.Stage)).Msg("workflow run finished")
	return res, nil
}

func (m *Machine) loadOrCreate(ctx context.Context, key string) (*pipeline.Instance, error) {
	inst, err := m.store.Load(ctx, key)
	if err == nil {
		return inst, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}

	inst = pipeline.NewInstance(key, "", m.maturity)
	if err := m.store.Save(ctx, inst); err != nil {
		if errors.Is(err, pipeline.ErrVersionConflict) {
			// Created concurrently; use the winner's record.
			return m.store.Load(ctx, key)
		}
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	m.event(ctx, inst.ID, "created", inst.Stage, 1, "")
	return inst, nil
}

// acquire takes the instance lease for this machine.
func (m *Machine) acquire(ctx context.Context, inst *pipeline.Instance) (*pipeline.Instance, error) {
	if inst.LeasedByOther(m.owner, m.now()) {
		return nil, fmt.Errorf("%s held by %s until %s: %w", inst.ID, inst.Owner, inst.LeaseExpiresAt.Format(time.RFC3339), ErrInstanceActive)
	}
	next, err := m.commit(ctx, inst, func(*pipeline.Instance) {})
	if errors.Is(err, ErrLostOwnership) {
		return nil, fmt.Errorf("%s: %w", inst.ID, ErrInstanceActive)
	}
	return next, err
}

// stepResult is what one stage attempt produced.
type stepResult struct {
	out iteration.Outcome
	// apply records stage output on the instance whatever the decision, so
	// partial progress stays inspectable.
	apply func(*pipeline.Instance)
	// abort bypasses the controller with a terminal reason.
	abort *pipeline.AbortReason
}

func (m *Machine) step(ctx context.Context, inst *pipeline.Instance, pol policy.Policy, log *zerolog.Logger) (*pipeline.Instance, error) {
	stage, attempt := inst.Stage, inst.Attempt()
	started := m.now()

	stageCtx, cancel := m.stageContext(ctx, stage)
	var res stepResult
	switch stage {
	case pipeline.StageValidation:
		res = m.validate(stageCtx, inst)
	case pipeline.StageImplementation:
		res = m.implement(stageCtx, inst, pol)
	case pipeline.StageReview:
		res = m.review(stageCtx, inst, pol, log)
	case pipeline.StageFinalization:
		res = m.finalize(stageCtx, inst)
	}
	timedOut := stageCtx.Err() == context.DeadlineExceeded
	cancel()

	if ctx.Err() != nil {
		return m.cancel(ctx, inst, log)
	}
	if timedOut && res.out.Success {
		res.out = iteration.Failed(iteration.FailureTimeout, fmt.Sprintf("%s exceeded its timeout", stage))
	}
	res.out.At = m.now()

	// The controller sees the instance with this attempt's output recorded.
	staged := inst.Clone()
	if res.apply != nil {
		res.apply(staged)
	}
	var d iteration.Decision
	if res.abort != nil {
		d = iteration.Decision{Kind: iteration.Abort, Next: pipeline.StageFailed, Context: staged.Context, Abort: res.abort}
	} else {
		d = m.controller.Decide(staged, res.out, pol)
	}

	finished := m.now()
	record := pipeline.AttemptRecord{
		Stage:      stage,
		Attempt:    attempt,
		Decision:   string(d.Kind),
		Kind:       res.out.Kind,
		Detail:     res.out.Detail,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if d.LoopBack {
		record.Decision = "loop_back"
	}
	if d.Abort != nil {
		record.Kind = d.Abort.Kind
		record.Detail = d.Abort.Detail
	}

	next, err := m.commit(context.WithoutCancel(ctx), inst, func(c *pipeline.Instance) {
		if res.apply != nil {
			res.apply(c)
		}
		c.History = append(c.History, record)
		applyDecision(c, d)
	})
	if err != nil {
		return nil, fmt.Errorf("persist %s %s attempt %d: %w", inst.ID, stage, attempt, err)
	}

	m.metrics.Transition(string(stage), record.Decision, finished.Sub(started))
	ev := log.Info()
	if d.Kind != iteration.Advance {
		ev = log.Warn()
	}
	ev.Str("stage", string(stage)).
		Int("attempt", attempt).
		Str("decision", record.Decision).
		Str("next", string(next.Stage)).
		Str("kind", record.Kind).
		Msg("stage transition")
	m.event(ctx, inst.ID, transitionEvent(d, next), stage, attempt, fmt.Sprintf("next=%s %s", next.Stage, record.Detail))
	return next, nil
}

// applyDecision moves c according to d. Entering a stage fresh resets its
// attempt counter, except review re-entered after a loop-back, whose rounds
// keep counting against the same budget.
func applyDecision(c *pipeline.Instance, d iteration.Decision) {
	if c.Attempts == nil {
		c.Attempts = make(map[pipeline.Stage]int)
	}
	switch d.Kind {
	case iteration.Advance:
		from := c.Stage
		c.Abort = nil
		c.Stage = d.Next
		if c.Stage.Terminal() {
			return
		}
		if c.Stage == pipeline.StageReview && from == pipeline.StageImplementation && c.LoopFrom == pipeline.StageReview {
			c.Attempts[pipeline.StageReview]++
		} else {
			c.Attempts[c.Stage] = 1
		}
		c.LoopFrom = ""
	case iteration.Retry:
		c.Context = d.Context
		if d.LoopBack {
			c.Stage = pipeline.StageImplementation
			c.Attempts[pipeline.StageImplementation] = 1
			c.LoopFrom = pipeline.StageReview
			return
		}
		c.Attempts[c.Stage]++
	case iteration.Abort:
		c.Context = d.Context
		c.Abort = d.Abort
		c.Stage = pipeline.StageFailed
	}
}

func transitionEvent(d iteration.Decision, next *pipeline.Instance) string {
	switch {
	case next.Stage == pipeline.StageCompleted:
		return "completed"
	case d.Kind == iteration.Abort:
		return "failed"
	case d.LoopBack:
		return "loop_back"
	case d.Kind == iteration.Retry:
		return "retry"
	}
	return "stage_advanced"
}

// cancel persists Failed/Cancelled. The write uses a context detached from
// ctx so the record lands after cancellation.
func (m *Machine) cancel(ctx context.Context, inst *pipeline.Instance, log *zerolog.Logger) (*pipeline.Instance, error) {
	cause := context.Cause(ctx)
	reason := &pipeline.AbortReason{Kind: pipeline.AbortCancelled, Stage: inst.Stage, Detail: cause.Error()}
	now := m.now()
	record := pipeline.AttemptRecord{
		Stage:      inst.Stage,
		Attempt:    inst.Attempt(),
		Decision:   string(iteration.Abort),
		Kind:       pipeline.AbortCancelled,
		Detail:     reason.Detail,
		StartedAt:  now,
		FinishedAt: now,
	}
	bg := context.WithoutCancel(ctx)
	next, err := m.commit(bg, inst, func(c *pipeline.Instance) {
		c.History = append(c.History, record)
		c.Abort = reason
		c.Stage = pipeline.StageFailed
	})
	if err != nil {
		return nil, fmt.Errorf("persist cancellation of %s: %w", inst.ID, err)
	}
	log.Warn().Str("stage", string(reason.Stage)).Str("cause", reason.Detail).Msg("workflow cancelled")
	m.event(bg, inst.ID, "cancelled", reason.Stage, record.Attempt, reason.Detail)
	return next, nil
}

// commit applies mutate to a copy of inst and saves it. On a version conflict
// the record is reloaded; if it is still at the same stage and attempt and
// not leased by another process, mutate is reapplied with backoff. Otherwise
// ErrLostOwnership is returned.
func (m *Machine) commit(ctx context.Context, inst *pipeline.Instance, mutate func(*pipeline.Instance)) (*pipeline.Instance, error) {
	stage, attempt := inst.Stage, inst.Attempt()
	apply := func(c *pipeline.Instance) {
		mutate(c)
		if c.Stage.Terminal() {
			c.Owner = ""
			c.LeaseExpiresAt = time.Time{}
			return
		}
		c.Owner = m.owner
		c.LeaseExpiresAt = m.now().Add(m.lease)
	}

	next := inst.Clone()
	apply(next)
	err := m.store.Save(ctx, next)
	if err == nil {
		return next, nil
	}
	if !errors.Is(err, pipeline.ErrVersionConflict) {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	policyBo := backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx)

	var saved *pipeline.Instance
	err = backoff.Retry(func() error {
		cur, err := m.store.Load(ctx, inst.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cur.Stage != stage || cur.Attempt() != attempt || cur.LeasedByOther(m.owner, m.now()) {
			return backoff.Permanent(fmt.Errorf("%s moved to %s attempt %d (owner %q): %w",
				inst.ID, cur.Stage, cur.Attempt(), cur.Owner, ErrLostOwnership))
		}
		next := cur.Clone()
		apply(next)
		if err := m.store.Save(ctx, next); err != nil {
			if errors.Is(err, pipeline.ErrVersionConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		saved = next
		return nil
	}, policyBo)
	if err != nil {
		return nil, err
	}
	m.log.Debug().Str("issue", inst.ID).Msg("reapplied transition after version conflict")
	return saved, nil
}

func (m *Machine) stageContext(ctx context.Context, stage pipeline.Stage) (context.Context, context.CancelFunc) {
	if d := m.timeouts[stage]; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// event records a transition of the attempt that ran at stage.
func (m *Machine) event(ctx context.Context, key, event string, stage pipeline.Stage, attempt int, detail string) {
	if m.events == nil {
		return
	}
	if err := m.events.LogPipelineEvent(ctx, key, event, string(stage), attempt, strings.TrimSpace(detail)); err != nil {
		m.log.Warn().Err(err).Str("issue", key).Str("event", event).Msg("record event")
	}
}

// failed turns a collaborator error into a failing outcome.
func failed(err error) stepResult {
	return stepResult{out: iteration.Failed(failureKind(err), err.Error())}
}
