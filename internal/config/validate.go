package config

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/lucasnoah/devflow/internal/checks"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedPlatforms       = map[string]bool{"github": true}
	recognizedDrivers         = map[string]bool{"file": true, "sqlite": true, "postgres": true}
	recognizedMergeStrategies = map[string]bool{"squash": true, "rebase": true, "merge": true}
	recognizedLogFormats      = map[string]bool{"console": true, "json": true}
	recognizedLogLevels       = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Required fields
	if cfg.Project.Repo == "" {
		add("project.repo", "is required")
	}
	if !recognizedPlatforms[cfg.Project.Platform] {
		add("project.platform", "unrecognized platform %q", cfg.Project.Platform)
	}
	if _, err := policy.ParseMaturity(cfg.Project.Maturity); err != nil {
		add("project.maturity", "%v", err)
	}

	// Review
	if t := cfg.Review.SimilarityThreshold; t <= 0 || t > 1 {
		add("review.similarity_threshold", "must be in (0, 1], got %g", t)
	}
	for _, name := range sortedKeys(cfg.Review.Sources) {
		if cfg.Review.Sources[name].Trust < 0 {
			add(fmt.Sprintf("review.sources.%s.trust", name), "must not be negative")
		}
	}

	// Workflow
	w := cfg.Workflow
	validateDuration("workflow.default_timeout", w.DefaultTimeout, &errs)
	for _, name := range sortedKeys(w.Timeouts) {
		field := "workflow.timeouts." + name
		if s := pipeline.Stage(name); !s.Valid() || s.Terminal() {
			add(field, "unknown stage %q", name)
			continue
		}
		validateDuration(field, w.Timeouts[name], &errs)
	}
	validateDuration("workflow.lease", w.Lease, &errs)
	if w.MaxConcurrent < 1 {
		add("workflow.max_concurrent", "must be at least 1")
	}
	if w.ContextMaxEntries < 1 {
		add("workflow.context_max_entries", "must be at least 1")
	}
	if w.ContextMaxBytes < 1 {
		add("workflow.context_max_bytes", "must be at least 1")
	}
	if !recognizedMergeStrategies[w.MergeStrategy] {
		add("workflow.merge_strategy", "unrecognized merge strategy %q", w.MergeStrategy)
	}
	if w.CleanupAfterDays < 0 {
		add("workflow.cleanup_after_days", "must not be negative")
	}

	// Checks
	seen := map[string]bool{}
	for i, c := range cfg.Checks {
		field := fmt.Sprintf("checks[%d]", i)
		switch {
		case c.Name == "":
			add(field+".name", "is required")
		case seen[c.Name]:
			add(field+".name", "duplicate check %q", c.Name)
		}
		seen[c.Name] = true
		if c.Command == "" {
			add(field+".command", "is required")
		}
		if c.Parser != "" && !slices.Contains(checks.Parsers(), c.Parser) {
			add(field+".parser", "unrecognized parser %q", c.Parser)
		}
		if c.Timeout != "" {
			validateDuration(field+".timeout", c.Timeout, &errs)
		}
		if c.Severity != "" && !review.Severity(c.Severity).Valid() {
			add(field+".severity", "unrecognized severity %q", c.Severity)
		}
	}

	// Store
	switch {
	case !recognizedDrivers[cfg.Store.Driver]:
		add("store.driver", "unrecognized driver %q", cfg.Store.Driver)
	case cfg.Store.Driver == "postgres" && cfg.Store.DSN == "":
		add("store.dsn", "is required for the postgres driver")
	}

	// Log
	if !recognizedLogLevels[cfg.Log.Level] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}
	if !recognizedLogFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}

	return errs
}

func validateDuration(field, raw string, errs *[]ValidationError) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", raw)})
		return
	}
	if d <= 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be positive"})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
