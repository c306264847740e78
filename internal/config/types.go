package config

import "github.com/lucasnoah/devflow/internal/review"

// Config is the top-level configuration parsed from devflow YAML.
type Config struct {
	Project     Project  `yaml:"project"`
	Review      Review   `yaml:"review"`
	Workflow    Workflow `yaml:"workflow"`
	Agent       Agent    `yaml:"agent"`
	Store       Store    `yaml:"store"`
	Log         Log      `yaml:"log"`
	MetricsAddr string   `yaml:"metrics_addr"`
	// Checks run against every change set during review; failures become
	// findings of the "checks" review source.
	Checks []Check `yaml:"checks"`
}

// Project identifies the repository the workflows run against.
type Project struct {
	Name       string `yaml:"name"`
	Repo       string `yaml:"repo"`
	Platform   string `yaml:"platform"`
	BaseBranch string `yaml:"base_branch"`
	// Maturity is snapshotted into each instance at creation.
	Maturity string `yaml:"maturity"`
}

// Review tunes the review merger.
type Review struct {
	SimilarityThreshold float64                        `yaml:"similarity_threshold"`
	Sources             map[string]review.SourceConfig `yaml:"sources"`
	HumanOverride       *bool                          `yaml:"human_override"`
}

// Workflow holds engine limits and switches.
type Workflow struct {
	// Timeouts maps stage name to a duration string; DefaultTimeout applies
	// to stages not listed.
	Timeouts       map[string]string `yaml:"timeouts"`
	DefaultTimeout string            `yaml:"default_timeout"`

	MaxConcurrent     int    `yaml:"max_concurrent"`
	ContextMaxEntries int    `yaml:"context_max_entries"`
	ContextMaxBytes   int    `yaml:"context_max_bytes"`
	Lease             string `yaml:"lease"`

	Followups           *bool  `yaml:"followups"`
	CommentOnValidation bool   `yaml:"comment_on_validation"`
	MergeStrategy       string `yaml:"merge_strategy"`
	CleanupAfterDays    int    `yaml:"cleanup_after_days"`
}

// Agent configures the claude CLI adapter.
type Agent struct {
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	Flags   string `yaml:"flags"`
	// Templates is an optional directory of prompt templates overriding the
	// builtin ones.
	Templates string `yaml:"templates"`
	// Worktrees gives each branch its own git worktree under WorktreeDir
	// (relative paths resolve against the repository root).
	Worktrees   *bool  `yaml:"worktrees"`
	WorktreeDir string `yaml:"worktree_dir"`
}

// Check is one verification command, e.g. go test or a linter.
type Check struct {
	Name       string `yaml:"name"`
	Command    string `yaml:"command"`
	Parser     string `yaml:"parser"`
	Timeout    string `yaml:"timeout"`
	FixCommand string `yaml:"fix_command"`
	Severity   string `yaml:"severity"`
	Category   string `yaml:"category"`
}

// Store selects the instance store backend.
type Store struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Log configures the logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
