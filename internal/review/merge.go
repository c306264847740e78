package review

import (
	"sort"
	"strings"
	"unicode"

	"github.com/lucasnoah/devflow/internal/policy"
)

// DefaultSimilarityThreshold is the token Jaccard similarity above which two
// descriptions at the same location and category count as one finding.
const DefaultSimilarityThreshold = 0.6

// SourceConfig ranks one review source.
type SourceConfig struct {
	Trust int  `yaml:"trust" json:"trust"`
	Human bool `yaml:"human" json:"human"`
}

// Config tunes deduplication and source ranking.
type Config struct {
	SimilarityThreshold float64                 `yaml:"similarity_threshold" json:"similarity_threshold"`
	Sources             map[string]SourceConfig `yaml:"sources" json:"sources"`
	// HumanOverride lets human findings outrank automated ones regardless of trust.
	HumanOverride bool `yaml:"human_override" json:"human_override"`
}

// DefaultConfig returns the merger defaults.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: DefaultSimilarityThreshold,
		HumanOverride:       true,
	}
}

// Merger combines per-source finding lists into a Verdict.
type Merger struct {
	cfg Config
}

// NewMerger creates a Merger. A non-positive threshold falls back to the default.
func NewMerger(cfg Config) *Merger {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = 1
	}
	return &Merger{cfg: cfg}
}

type candidate struct {
	Finding
	tokens map[string]struct{}
	norm   string
}

type group struct {
	seed    candidate
	members []candidate
}

// Merge adjudicates one review pass. Findings are grouped by location,
// category and description similarity; permuting the input yields the
// same verdict.
func (m *Merger) Merge(sources [][]Finding, p policy.Policy) Verdict {
	var v Verdict
	var valid []candidate
	for _, list := range sources {
		for _, f := range list {
			if err := validate(f); err != nil {
				v.Rejected = append(v.Rejected, err)
				continue
			}
			norm := normalize(f.Description)
			valid = append(valid, candidate{Finding: f, tokens: tokenSet(norm), norm: norm})
		}
	}

	sort.Slice(valid, func(i, j int) bool { return canonicalLess(valid[i], valid[j]) })
	sort.Slice(v.Rejected, func(i, j int) bool {
		a, b := v.Rejected[i], v.Rejected[j]
		if a.Finding.Source != b.Finding.Source {
			return a.Finding.Source < b.Finding.Source
		}
		if a.Finding.Location != b.Finding.Location {
			return a.Finding.Location < b.Finding.Location
		}
		if a.Finding.Category != b.Finding.Category {
			return a.Finding.Category < b.Finding.Category
		}
		if a.Finding.Severity != b.Finding.Severity {
			return a.Finding.Severity < b.Finding.Severity
		}
		if a.Finding.Description != b.Finding.Description {
			return a.Finding.Description < b.Finding.Description
		}
		return !a.Finding.Human && b.Finding.Human
	})

	var groups []*group
	for _, c := range valid {
		var joined bool
		for _, g := range groups {
			if g.seed.Location != c.Location || g.seed.Category != c.Category {
				continue
			}
			if jaccard(g.seed.tokens, c.tokens) >= m.cfg.SimilarityThreshold {
				g.members = append(g.members, c)
				joined = true
				break
			}
		}
		if !joined {
			groups = append(groups, &group{seed: c, members: []candidate{c}})
		}
	}

	for _, g := range groups {
		r := m.adjudicate(g, p)
		v.Retained = append(v.Retained, r)
	}
	sort.Slice(v.Retained, func(i, j int) bool { return rankLess(v.Retained[i], v.Retained[j]) })

	v.Outcome = Approve
	for _, r := range v.Retained {
		switch r.Severity {
		case Blocking:
			v.Outcome = Block
		case Major:
			if v.Outcome != Block {
				v.Outcome = RequestChanges
			}
		case Minor, Informational:
			v.Followups = append(v.Followups, r)
		}
	}
	return v
}

func (m *Merger) adjudicate(g *group, p policy.Policy) Retained {
	rep := g.members[0]
	reported := rep.Severity
	sources := map[string]struct{}{}
	var hasHuman, hasAutomated bool
	for _, c := range g.members {
		reported = maxSeverity(reported, c.Severity)
		sources[c.Source] = struct{}{}
		if m.isHuman(c.Finding) {
			hasHuman = true
		} else {
			hasAutomated = true
		}
		if m.preferred(c.Finding, rep.Finding) {
			rep = c
		}
	}

	r := Retained{
		Finding:  rep.Finding,
		Reported: reported,
	}
	for s := range sources {
		r.Sources = append(r.Sources, s)
	}
	sort.Strings(r.Sources)
	r.Severity = reclassify(reported, rep.Category, p)
	r.HumanOverride = m.cfg.HumanOverride && hasHuman && hasAutomated && m.isHuman(rep.Finding)
	return r
}

// reclassify applies policy strictness to the conservatively merged severity.
func reclassify(sev Severity, category string, p policy.Policy) Severity {
	if sev == Major && p.Strictness.Escalates() {
		sev = Blocking
	}
	if category == CategoryBreakingChange && !p.AllowBreakingChanges {
		if p.BreakingChangeNotice {
			sev = maxSeverity(sev, Major)
		} else {
			sev = Blocking
		}
	}
	return sev
}

func (m *Merger) isHuman(f Finding) bool {
	return f.Human || m.cfg.Sources[f.Source].Human
}

// preferred reports whether a should represent the group instead of b.
func (m *Merger) preferred(a, b Finding) bool {
	if m.cfg.HumanOverride {
		ha, hb := m.isHuman(a), m.isHuman(b)
		if ha != hb {
			return ha
		}
	}
	ta, tb := m.cfg.Sources[a.Source].Trust, m.cfg.Sources[b.Source].Trust
	if ta != tb {
		return ta > tb
	}
	if a.Severity != b.Severity {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.Description < b.Description
}

func canonicalLess(a, b candidate) bool {
	if a.Location != b.Location {
		return a.Location < b.Location
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	if a.norm != b.norm {
		return a.norm < b.norm
	}
	if a.Severity != b.Severity {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Human != b.Human {
		return a.Human
	}
	return a.Description < b.Description
}

func rankLess(a, b Retained) bool {
	if a.Severity != b.Severity {
		return a.Severity.Rank() > b.Severity.Rank()
	}
	if len(a.Sources) != len(b.Sources) {
		return len(a.Sources) > len(b.Sources)
	}
	if a.Location != b.Location {
		return a.Location < b.Location
	}
	if a.Category != b.Category {
		return a.Category < b.Category
	}
	return a.Description < b.Description
}

func normalize(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

func tokenSet(norm string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(norm) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	var inter int
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
