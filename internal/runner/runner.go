// Package runner schedules workflow runs for many issues with bounded
// concurrency and at most one run per issue key.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/telemetry"
	"github.com/lucasnoah/devflow/internal/workflow"
)

// DefaultMaxConcurrent bounds parallel workflow runs.
const DefaultMaxConcurrent = 3

// Outcomes beyond the workflow terminal outcomes.
const (
	OutcomeSkipped = "skipped"
	OutcomeErrored = "errored"
)

// Executor runs one workflow to completion. *workflow.Machine implements it.
type Executor interface {
	Run(ctx context.Context, key string) (*workflow.Result, error)
}

// InstanceOutcome is the result for one key.
type InstanceOutcome struct {
	Key      string                `json:"key"`
	Outcome  string                `json:"outcome"`
	Stage    pipeline.Stage        `json:"stage,omitempty"`
	Abort    *pipeline.AbortReason `json:"abort,omitempty"`
	Error    string                `json:"error,omitempty"`
	Duration time.Duration         `json:"duration"`
}

// Report aggregates the outcomes of one Run call. Outcomes follow the order
// of the requested keys.
type Report struct {
	Outcomes  []InstanceOutcome `json:"outcomes"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Cancelled int               `json:"cancelled"`
	Skipped   int               `json:"skipped"`
	Errored   int               `json:"errored"`
}

func (r *Report) count(o InstanceOutcome) {
	switch o.Outcome {
	case workflow.OutcomeCompleted:
		r.Completed++
	case workflow.OutcomeFailed:
		r.Failed++
	case workflow.OutcomeCancelled:
		r.Cancelled++
	case OutcomeSkipped:
		r.Skipped++
	default:
		r.Errored++
	}
}

// Options configures a Runner.
type Options struct {
	MaxConcurrent int
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Runner fans workflow runs out over a bounded set of goroutines.
type Runner struct {
	exec  Executor
	store pipeline.Store
	limit int
	log   zerolog.Logger
	now   func() time.Time

	mu      sync.Mutex
	running map[string]struct{}
}

// New creates a Runner.
func New(exec Executor, store pipeline.Store, opts Options) *Runner {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		exec:    exec,
		store:   store,
		limit:   opts.MaxConcurrent,
		log:     telemetry.Component(opts.Logger, "runner"),
		now:     opts.Now,
		running: make(map[string]struct{}),
	}
}

func (r *Runner) claim(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.running[key]; busy {
		return false
	}
	r.running[key] = struct{}{}
	return true
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, key)
}

// Run processes keys concurrently. A key already running in this process,
// repeated in keys, or leased by another process is reported as skipped.
// One instance's failure never stops the others.
func (r *Runner) Run(ctx context.Context, keys []string) Report {
	outcomes := make([]InstanceOutcome, len(keys))

	seen := make(map[string]bool, len(keys))
	var g errgroup.Group
	g.SetLimit(r.limit)
	for i, key := range keys {
		if seen[key] {
			outcomes[i] = InstanceOutcome{Key: key, Outcome: OutcomeSkipped, Error: "duplicate key"}
			continue
		}
		seen[key] = true
		if !r.claim(key) {
			outcomes[i] = InstanceOutcome{Key: key, Outcome: OutcomeSkipped, Error: "already running"}
			continue
		}
		g.Go(func() error {
			defer r.release(key)
			outcomes[i] = r.runOne(ctx, key)
			return nil
		})
	}
	_ = g.Wait()

	var rep Report
	for _, o := range outcomes {
		rep.count(o)
	}
	rep.Outcomes = outcomes
	r.log.Info().
		Int("completed", rep.Completed).
		Int("failed", rep.Failed).
		Int("cancelled", rep.Cancelled).
		Int("skipped", rep.Skipped).
		Int("errored", rep.Errored).
		Msg("run finished")
	return rep
}

func (r *Runner) runOne(ctx context.Context, key string) InstanceOutcome {
	start := r.now()
	out := InstanceOutcome{Key: key}
	res, err := r.exec.Run(ctx, key)
	out.Duration = r.now().Sub(start)

	switch {
	case errors.Is(err, workflow.ErrInstanceActive):
		out.Outcome = OutcomeSkipped
		out.Error = err.Error()
	case err != nil:
		out.Outcome = OutcomeErrored
		out.Error = err.Error()
		r.log.Error().Err(err).Str("issue", key).Msg("workflow errored")
	default:
		out.Outcome = res.Outcome
		out.Stage = res.Stage
		out.Abort = res.Abort
	}
	return out
}

// Resume runs every non-terminal instance in the store.
func (r *Runner) Resume(ctx context.Context) (Report, error) {
	active, err := r.store.ListActive(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list active: %w", err)
	}
	keys := make([]string, 0, len(active))
	for _, inst := range active {
		keys = append(keys, inst.ID)
	}
	r.log.Info().Int("instances", len(keys)).Msg("resuming active workflows")
	return r.Run(ctx, keys), nil
}

// Cleanup deletes terminal instances last updated more than olderThan ago
// and returns their keys.
func (r *Runner) Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	cutoff := r.now().Add(-olderThan)
	var removed []string
	for _, inst := range all {
		if inst.Active() || !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := r.store.Delete(ctx, inst.ID); err != nil {
			if errors.Is(err, pipeline.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete %s: %w", inst.ID, err)
		}
		removed = append(removed, inst.ID)
	}
	r.log.Info().Int("removed", len(removed)).Dur("older_than", olderThan).Msg("cleanup finished")
	return removed, nil
}
