// Package policy resolves a project maturity level into the concrete ruleset
// the workflow engine enforces: coverage target, review strictness, breaking
// change allowance and the per-stage iteration budget.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Maturity is the project lifecycle classification.
type Maturity string

const (
	Prototype  Maturity = "prototype"
	EarlyStage Maturity = "early_stage"
	Stable     Maturity = "stable"
	Mature     Maturity = "mature"
)

// Strictness controls how the review merger classifies findings.
type Strictness string

const (
	Lenient    Strictness = "lenient"
	Moderate   Strictness = "moderate"
	Strict     Strictness = "strict"
	VeryStrict Strictness = "very_strict"
)

// Escalates reports whether major findings are treated as blocking.
func (s Strictness) Escalates() bool {
	return s == Strict || s == VeryStrict
}

// Policy is the resolved ruleset for one maturity level.
type Policy struct {
	Maturity             Maturity   `json:"maturity" yaml:"maturity"`
	CoverageTarget       float64    `json:"coverage_target" yaml:"coverage_target"`
	Strictness           Strictness `json:"strictness" yaml:"strictness"`
	AllowBreakingChanges bool       `json:"allow_breaking_changes" yaml:"allow_breaking_changes"`
	// BreakingChangeNotice permits a breaking change when it ships with a
	// migration notice. Only meaningful when AllowBreakingChanges is false.
	BreakingChangeNotice bool `json:"breaking_change_notice" yaml:"breaking_change_notice"`
	MaxIterations        int  `json:"max_iterations" yaml:"max_iterations"`
}

// ErrConfiguration matches every *ConfigurationError via errors.Is.
var ErrConfiguration = errors.New("configuration error")

// ConfigurationError reports an invalid policy input. It is fatal and never retried.
type ConfigurationError struct {
	Field string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s %q: must be one of %s", e.Field, e.Value, strings.Join(levelNames(), ", "))
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

var table = map[Maturity]Policy{
	Prototype: {
		Maturity:             Prototype,
		CoverageTarget:       0.30,
		Strictness:           Lenient,
		AllowBreakingChanges: true,
		MaxIterations:        5,
	},
	EarlyStage: {
		Maturity:             EarlyStage,
		CoverageTarget:       0.40,
		Strictness:           Moderate,
		AllowBreakingChanges: true,
		MaxIterations:        4,
	},
	Stable: {
		Maturity:             Stable,
		CoverageTarget:       0.70,
		Strictness:           Strict,
		AllowBreakingChanges: false,
		BreakingChangeNotice: true,
		MaxIterations:        3,
	},
	Mature: {
		Maturity:             Mature,
		CoverageTarget:       0.85,
		Strictness:           VeryStrict,
		AllowBreakingChanges: false,
		MaxIterations:        2,
	},
}

// Levels returns the defined maturity levels from least to most strict.
func Levels() []Maturity {
	return []Maturity{Prototype, EarlyStage, Stable, Mature}
}

func levelNames() []string {
	var names []string
	for _, l := range Levels() {
		names = append(names, string(l))
	}
	return names
}

// Resolve maps a maturity level to its policy. The result is a value copy, so
// callers may cache it per instance.
func Resolve(m Maturity) (Policy, error) {
	p, ok := table[m]
	if !ok {
		return Policy{}, &ConfigurationError{Field: "maturity level", Value: string(m)}
	}
	return p, nil
}

// ParseMaturity normalizes user input ("Early-Stage", " mature ") into a Maturity.
func ParseMaturity(s string) (Maturity, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	m := Maturity(norm)
	if _, ok := table[m]; !ok {
		return "", &ConfigurationError{Field: "maturity level", Value: s}
	}
	return m, nil
}
