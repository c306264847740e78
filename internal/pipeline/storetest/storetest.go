// Package storetest is a conformance suite run against every pipeline.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

// Run exercises the Store contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) pipeline.Store) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, newStore(t)) })
	t.Run("LoadNotFound", func(t *testing.T) { testLoadNotFound(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("StaleVersion", func(t *testing.T) { testStaleVersion(t, newStore(t)) })
	t.Run("ConcurrentSave", func(t *testing.T) { testConcurrentSave(t, newStore(t)) })
	t.Run("ListActive", func(t *testing.T) { testListActive(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

func sample(id string) *pipeline.Instance {
	inst := pipeline.NewInstance(id, "Add widget", policy.EarlyStage)
	inst.Context = inst.Context.Append(pipeline.ContextEntry{
		Stage: pipeline.StageValidation, Attempt: 1, Kind: pipeline.EntryIssue, Content: "issue body",
	}, pipeline.DefaultLimits())
	inst.Verdict = &review.Verdict{Outcome: review.Approve}
	return inst
}

func testCreateAndLoad(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	inst := sample("github#42")
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if inst.Version != 1 {
		t.Errorf("Version after create = %d, want 1", inst.Version)
	}
	if inst.CreatedAt.IsZero() || inst.UpdatedAt.IsZero() {
		t.Error("timestamps not set on save")
	}

	got, err := s.Load(ctx, "github#42")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("loaded Version = %d, want 1", got.Version)
	}
	if got.Stage != pipeline.StageValidation {
		t.Errorf("Stage = %q, want validation", got.Stage)
	}
	if got.Attempts[pipeline.StageValidation] != 1 {
		t.Errorf("Attempts[validation] = %d, want 1", got.Attempts[pipeline.StageValidation])
	}
	if got.Maturity != policy.EarlyStage {
		t.Errorf("Maturity = %q, want early_stage", got.Maturity)
	}
	if len(got.Context.Entries) != 1 || got.Context.Entries[0].Content != "issue body" {
		t.Errorf("Context = %+v, want one issue entry", got.Context.Entries)
	}
	if got.Verdict == nil || got.Verdict.Outcome != review.Approve {
		t.Errorf("Verdict = %+v, want approve", got.Verdict)
	}

	got.Stage = pipeline.StageImplementation
	got.Attempts[pipeline.StageImplementation] = 1
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version after update = %d, want 2", got.Version)
	}
	again, err := s.Load(ctx, "github#42")
	if err != nil {
		t.Fatalf("Load after update: %v", err)
	}
	if again.Stage != pipeline.StageImplementation || again.Version != 2 {
		t.Errorf("after update: stage=%q version=%d", again.Stage, again.Version)
	}
}

func testLoadNotFound(t *testing.T, s pipeline.Store) {
	_, err := s.Load(context.Background(), "github#999")
	if !errors.Is(err, pipeline.ErrNotFound) {
		t.Fatalf("Load missing: err = %v, want ErrNotFound", err)
	}
}

func testCreateDuplicate(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	if err := s.Save(ctx, sample("github#1")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	err := s.Save(ctx, sample("github#1"))
	if !errors.Is(err, pipeline.ErrVersionConflict) {
		t.Fatalf("duplicate create: err = %v, want ErrVersionConflict", err)
	}
}

func testStaleVersion(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	inst := sample("github#7")
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}
	stale := inst.Clone()
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save v1: %v", err)
	}
	err := s.Save(ctx, stale)
	if !errors.Is(err, pipeline.ErrVersionConflict) {
		t.Fatalf("stale save: err = %v, want ErrVersionConflict", err)
	}
	if stale.Version != 1 {
		t.Errorf("failed save mutated Version to %d", stale.Version)
	}

	missing := sample("github#8")
	missing.Version = 3
	if err := s.Save(ctx, missing); !errors.Is(err, pipeline.ErrVersionConflict) {
		t.Fatalf("save with version for missing record: err = %v, want ErrVersionConflict", err)
	}
}

func testConcurrentSave(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	inst := sample("github#5")
	if err := s.Save(ctx, inst); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		c := inst.Clone()
		c.Title = "writer"
		wg.Add(1)
		go func(i int, c *pipeline.Instance) {
			defer wg.Done()
			errs[i] = s.Save(ctx, c)
		}(i, c)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, pipeline.ErrVersionConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != writers-1 {
		t.Fatalf("ok=%d conflicts=%d, want exactly one winner", ok, conflicts)
	}

	got, err := s.Load(ctx, "github#5")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("Version = %d, want 2", got.Version)
	}
}

func testListActive(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	for _, tc := range []struct {
		id    string
		stage pipeline.Stage
	}{
		{"github#3", pipeline.StageReview},
		{"github#1", pipeline.StageValidation},
		{"github#2", pipeline.StageCompleted},
		{"gitlab#4", pipeline.StageFailed},
	} {
		inst := sample(tc.id)
		inst.Stage = tc.stage
		if err := s.Save(ctx, inst); err != nil {
			t.Fatalf("Save %s: %v", tc.id, err)
		}
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive = %d, want 2", len(active))
	}
	if active[0].ID != "github#1" || active[1].ID != "github#3" {
		t.Errorf("ListActive order = [%s %s], want [github#1 github#3]", active[0].ID, active[1].ID)
	}

	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("List = %d, want 4", len(all))
	}
}

func testDelete(t *testing.T, s pipeline.Store) {
	ctx := context.Background()
	if err := s.Save(ctx, sample("github#9")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "github#9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Load(ctx, "github#9"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("Load after delete: err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "github#9"); !errors.Is(err, pipeline.ErrNotFound) {
		t.Errorf("second Delete: err = %v, want ErrNotFound", err)
	}
}
