package analytics

import (
	"testing"

	"github.com/lucasnoah/devflow/internal/pipeline"
)

func history(stages ...pipeline.Stage) []pipeline.AttemptRecord {
	var out []pipeline.AttemptRecord
	for _, s := range stages {
		out = append(out, pipeline.AttemptRecord{Stage: s})
	}
	return out
}

func TestSummarize(t *testing.T) {
	v, i, r, f := pipeline.StageValidation, pipeline.StageImplementation, pipeline.StageReview, pipeline.StageFinalization
	instances := []pipeline.Instance{
		{ID: "github#1", Stage: pipeline.StageCompleted, History: history(v, i, r, f)},
		{ID: "github#2", Stage: pipeline.StageCompleted, History: history(v, i, r, i, r, f)},
		{ID: "github#3", Stage: pipeline.StageFailed, History: history(v, v, v),
			Abort: &pipeline.AbortReason{Kind: pipeline.AbortMaxIterations}},
		{ID: "github#4", Stage: pipeline.StageFailed, History: history(v, i, r),
			Abort: &pipeline.AbortReason{Kind: pipeline.AbortBlocked}},
		{ID: "github#5", Stage: pipeline.StageReview, History: history(v, i)},
	}

	s := Summarize(instances)
	if s.Total != 5 || s.Active != 1 || s.Completed != 2 || s.Failed != 2 {
		t.Errorf("counts = total %d active %d completed %d failed %d", s.Total, s.Active, s.Completed, s.Failed)
	}
	if s.ByStage[pipeline.StageReview] != 1 {
		t.Errorf("ByStage = %v", s.ByStage)
	}
	if s.ByAbort[pipeline.AbortMaxIterations] != 1 || s.ByAbort[pipeline.AbortBlocked] != 1 {
		t.Errorf("ByAbort = %v", s.ByAbort)
	}
	if s.SuccessRate != 50.0 {
		t.Errorf("SuccessRate = %.1f, want 50.0", s.SuccessRate)
	}
	// (4 + 6 + 3 + 3) / 4
	if s.AvgIterations != 4.0 {
		t.Errorf("AvgIterations = %.1f, want 4.0", s.AvgIterations)
	}
	// (1 + 2 + 1) / 3
	if s.AvgReviewRounds != 1.3 {
		t.Errorf("AvgReviewRounds = %.1f, want 1.3", s.AvgReviewRounds)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Total != 0 || s.SuccessRate != 0 || s.AvgIterations != 0 {
		t.Errorf("empty stats = %+v", s)
	}
}

func TestStats_AbortKinds(t *testing.T) {
	s := Stats{ByAbort: map[string]int{"Cancelled": 1, "BlockingFindings": 3, "ConfigurationError": 1}}
	got := s.AbortKinds()
	want := []string{"BlockingFindings", "Cancelled", "ConfigurationError"}
	if len(got) != len(want) {
		t.Fatalf("AbortKinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("AbortKinds[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
