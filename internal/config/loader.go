package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/devflow/internal/checks"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/review"
)

// ErrNoConfig is returned by LoadDefault when no config file exists.
var ErrNoConfig = errors.New("no devflow config found")

// Load reads and parses a devflow configuration from the given YAML file path.
// After parsing, it applies defaults to fields left empty.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./devflow.yaml, ~/.devflow/config.yaml
func LoadDefault() (*Config, error) {
	candidates := []string{"devflow.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".devflow", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("%w (searched: %v)", ErrNoConfig, candidates)
}

// Default returns a config with every default applied.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills fields left empty by the file.
func applyDefaults(cfg *Config) {
	p := &cfg.Project
	if p.Platform == "" {
		p.Platform = "github"
	}
	if p.BaseBranch == "" {
		p.BaseBranch = "main"
	}
	if p.Maturity == "" {
		p.Maturity = string(policy.EarlyStage)
	}

	r := &cfg.Review
	if r.SimilarityThreshold == 0 {
		r.SimilarityThreshold = review.DefaultSimilarityThreshold
	}
	if r.HumanOverride == nil {
		r.HumanOverride = boolPtr(true)
	}

	w := &cfg.Workflow
	if w.DefaultTimeout == "" {
		w.DefaultTimeout = "30m"
	}
	if w.MaxConcurrent == 0 {
		w.MaxConcurrent = 3
	}
	if w.ContextMaxEntries == 0 {
		w.ContextMaxEntries = pipeline.DefaultMaxEntries
	}
	if w.ContextMaxBytes == 0 {
		w.ContextMaxBytes = pipeline.DefaultMaxBytes
	}
	if w.Lease == "" {
		w.Lease = "1h"
	}
	if w.Followups == nil {
		w.Followups = boolPtr(true)
	}
	if w.MergeStrategy == "" {
		w.MergeStrategy = "squash"
	}
	if w.CleanupAfterDays == 0 {
		w.CleanupAfterDays = 30
	}

	if cfg.Agent.Command == "" {
		cfg.Agent.Command = "claude"
	}
	if cfg.Agent.Worktrees == nil {
		cfg.Agent.Worktrees = boolPtr(true)
	}
	if cfg.Agent.WorktreeDir == "" {
		cfg.Agent.WorktreeDir = filepath.Join(".devflow", "worktrees")
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "file"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

func boolPtr(b bool) *bool { return &b }

// overrideKeys are the settings that DEVFLOW_* environment variables and CLI
// flags may override.
var overrideKeys = []string{
	"project.maturity",
	"project.repo",
	"store.driver",
	"store.path",
	"store.dsn",
	"log.level",
	"log.format",
	"metrics_addr",
	"workflow.max_concurrent",
}

// NewViper returns a viper instance reading DEVFLOW_* environment variables
// for the override keys (e.g. DEVFLOW_STORE_DSN for store.dsn).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DEVFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range overrideKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// ApplyOverrides copies every override key set in v onto cfg.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	set := func(key string, dst *string) {
		if v.IsSet(key) {
			if s := v.GetString(key); s != "" {
				*dst = s
			}
		}
	}
	set("project.maturity", &cfg.Project.Maturity)
	set("project.repo", &cfg.Project.Repo)
	set("store.driver", &cfg.Store.Driver)
	set("store.path", &cfg.Store.Path)
	set("store.dsn", &cfg.Store.DSN)
	set("log.level", &cfg.Log.Level)
	set("log.format", &cfg.Log.Format)
	set("metrics_addr", &cfg.MetricsAddr)
	if v.IsSet("workflow.max_concurrent") {
		if n := v.GetInt("workflow.max_concurrent"); n > 0 {
			cfg.Workflow.MaxConcurrent = n
		}
	}
}

// MaturityLevel parses the configured maturity.
func (c *Config) MaturityLevel() (policy.Maturity, error) {
	return policy.ParseMaturity(c.Project.Maturity)
}

// ReviewConfig returns the merger configuration.
func (c *Config) ReviewConfig() review.Config {
	rc := review.Config{
		SimilarityThreshold: c.Review.SimilarityThreshold,
		Sources:             c.Review.Sources,
		HumanOverride:       true,
	}
	if c.Review.HumanOverride != nil {
		rc.HumanOverride = *c.Review.HumanOverride
	}
	return rc
}

// ContextLimits returns the context log bounds.
func (c *Config) ContextLimits() pipeline.Limits {
	return pipeline.Limits{MaxEntries: c.Workflow.ContextMaxEntries, MaxBytes: c.Workflow.ContextMaxBytes}
}

// StageTimeouts returns the per-stage timeout for every non-terminal stage.
func (c *Config) StageTimeouts() (map[pipeline.Stage]time.Duration, error) {
	def, err := time.ParseDuration(c.Workflow.DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("workflow.default_timeout: %w", err)
	}
	out := make(map[pipeline.Stage]time.Duration)
	for _, s := range pipeline.Stages {
		out[s] = def
	}
	for name, raw := range c.Workflow.Timeouts {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("workflow.timeouts.%s: %w", name, err)
		}
		out[pipeline.Stage(name)] = d
	}
	return out, nil
}

// LeaseDuration returns the instance lease length.
func (c *Config) LeaseDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Workflow.Lease)
	if err != nil {
		return 0, fmt.Errorf("workflow.lease: %w", err)
	}
	return d, nil
}

// FileFollowups reports whether follow-up issues are filed at finalization.
func (c *Config) FileFollowups() bool {
	return c.Workflow.Followups == nil || *c.Workflow.Followups
}

// UseWorktrees reports whether the agent works in per-branch worktrees.
func (c *Config) UseWorktrees() bool {
	return c.Agent.Worktrees == nil || *c.Agent.Worktrees
}

// CheckList converts the configured checks for the checks runner.
func (c *Config) CheckList() ([]checks.Check, error) {
	out := make([]checks.Check, 0, len(c.Checks))
	for _, ch := range c.Checks {
		var timeout time.Duration
		if ch.Timeout != "" {
			d, err := time.ParseDuration(ch.Timeout)
			if err != nil {
				return nil, fmt.Errorf("checks.%s.timeout: %w", ch.Name, err)
			}
			timeout = d
		}
		out = append(out, checks.Check{
			Name:       ch.Name,
			Command:    ch.Command,
			Parser:     ch.Parser,
			Timeout:    timeout,
			FixCommand: ch.FixCommand,
			Severity:   review.Severity(ch.Severity),
			Category:   ch.Category,
		})
	}
	return out, nil
}

// CleanupAge returns how long finished instances are kept.
func (c *Config) CleanupAge() time.Duration {
	return time.Duration(c.Workflow.CleanupAfterDays) * 24 * time.Hour
}
