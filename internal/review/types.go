// Package review merges findings from several review sources (AI reviewers,
// human reviewers on the hosting platform) into one adjudicated verdict.
package review

import (
	"fmt"
	"strings"
)

// Severity of a finding as reported by its source.
type Severity string

const (
	Blocking      Severity = "blocking"
	Major         Severity = "major"
	Minor         Severity = "minor"
	Informational Severity = "informational"
)

var severityRank = map[Severity]int{
	Informational: 0,
	Minor:         1,
	Major:         2,
	Blocking:      3,
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	return severityRank[s]
}

func maxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Well-known categories. Sources may report others.
const (
	CategoryCorrectness    = "correctness"
	CategoryStyle          = "style"
	CategorySecurity       = "security"
	CategoryBreakingChange = "breaking_change"
)

// Finding is one reported problem from one review source.
type Finding struct {
	Source      string   `json:"source"`
	Severity    Severity `json:"severity"`
	Location    string   `json:"location"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	// Human marks findings raised by a person rather than an automated reviewer.
	Human bool `json:"human,omitempty"`
}

// Outcome of a merged review pass.
type Outcome string

const (
	Approve        Outcome = "approve"
	RequestChanges Outcome = "request_changes"
	Block          Outcome = "block"
)

// Retained is a deduplicated finding kept in the verdict.
type Retained struct {
	Finding
	// Reported is the most severe classification any source gave before
	// policy reclassification.
	Reported      Severity `json:"reported"`
	Sources       []string `json:"sources"`
	HumanOverride bool     `json:"human_override"`
}

// Verdict is the adjudicated result of one review pass.
type Verdict struct {
	Outcome   Outcome                `json:"outcome"`
	Retained  []Retained             `json:"retained"`
	Followups []Retained             `json:"followups,omitempty"`
	Rejected  []*InvalidFindingError `json:"rejected,omitempty"`
}

// Blocking returns the retained findings classified as blocking.
func (v Verdict) Blocking() []Retained {
	var out []Retained
	for _, r := range v.Retained {
		if r.Severity == Blocking {
			out = append(out, r)
		}
	}
	return out
}

// Summary renders the verdict as plain text suitable for agent context.
func (v Verdict) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "review outcome: %s (%d findings", v.Outcome, len(v.Retained))
	if len(v.Followups) > 0 {
		fmt.Fprintf(&b, ", %d follow-ups", len(v.Followups))
	}
	b.WriteString(")\n")
	for _, r := range v.Retained {
		fmt.Fprintf(&b, "- [%s] %s (%s): %s\n", r.Severity, r.Location, r.Category, r.Description)
	}
	return b.String()
}

// InvalidFindingError reports a malformed finding that was excluded from the merge.
type InvalidFindingError struct {
	Finding Finding `json:"finding"`
	Reason  string  `json:"reason"`
}

func (e *InvalidFindingError) Error() string {
	return fmt.Sprintf("invalid finding from %q: %s", e.Finding.Source, e.Reason)
}

func validate(f Finding) *InvalidFindingError {
	switch {
	case strings.TrimSpace(f.Location) == "":
		return &InvalidFindingError{Finding: f, Reason: "missing location"}
	case strings.TrimSpace(f.Category) == "":
		return &InvalidFindingError{Finding: f, Reason: "missing category"}
	case !f.Severity.Valid():
		return &InvalidFindingError{Finding: f, Reason: fmt.Sprintf("unknown severity %q", f.Severity)}
	}
	return nil
}
