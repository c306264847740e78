package analytics

import (
	"sort"

	"github.com/lucasnoah/devflow/internal/pipeline"
)

// Stats aggregates persisted workflow instances.
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	// ByStage counts active instances by their current stage.
	ByStage map[pipeline.Stage]int `json:"by_stage"`
	// ByAbort counts failed instances by abort kind.
	ByAbort map[string]int `json:"by_abort"`

	// SuccessRate is completed over finished instances, in percent.
	SuccessRate float64 `json:"success_rate_pct"`
	// AvgIterations is the mean number of stage attempts per finished instance.
	AvgIterations float64 `json:"avg_iterations"`
	// AvgReviewRounds is the mean number of review attempts per finished
	// instance that reached review.
	AvgReviewRounds float64 `json:"avg_review_rounds"`
}

// Summarize computes Stats over instances.
func Summarize(instances []pipeline.Instance) Stats {
	s := Stats{
		ByStage: make(map[pipeline.Stage]int),
		ByAbort: make(map[string]int),
	}
	var iterations, reviewRounds []float64
	for _, inst := range instances {
		s.Total++
		switch inst.Stage {
		case pipeline.StageCompleted:
			s.Completed++
		case pipeline.StageFailed:
			s.Failed++
			kind := "unknown"
			if inst.Abort != nil {
				kind = inst.Abort.Kind
			}
			s.ByAbort[kind]++
		default:
			s.Active++
			s.ByStage[inst.Stage]++
			continue
		}

		iterations = append(iterations, float64(len(inst.History)))
		rounds := 0
		for _, h := range inst.History {
			if h.Stage == pipeline.StageReview {
				rounds++
			}
		}
		if rounds > 0 {
			reviewRounds = append(reviewRounds, float64(rounds))
		}
	}

	s.SuccessRate = pct(s.Completed, s.Completed+s.Failed)
	s.AvgIterations = avg(iterations)
	s.AvgReviewRounds = avg(reviewRounds)
	return s
}

// AbortKinds returns the abort kinds in s ordered by count, then name.
func (s Stats) AbortKinds() []string {
	kinds := make([]string, 0, len(s.ByAbort))
	for k := range s.ByAbort {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if s.ByAbort[kinds[i]] != s.ByAbort[kinds[j]] {
			return s.ByAbort[kinds[i]] > s.ByAbort[kinds[j]]
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}
