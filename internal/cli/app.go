package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/agent"
	"github.com/lucasnoah/devflow/internal/checks"
	"github.com/lucasnoah/devflow/internal/config"
	"github.com/lucasnoah/devflow/internal/db"
	"github.com/lucasnoah/devflow/internal/db/postgres"
	"github.com/lucasnoah/devflow/internal/github"
	"github.com/lucasnoah/devflow/internal/iteration"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/prompt"
	"github.com/lucasnoah/devflow/internal/review"
	"github.com/lucasnoah/devflow/internal/telemetry"
	"github.com/lucasnoah/devflow/internal/workflow"
	"github.com/lucasnoah/devflow/internal/worktree"
)

// loadConfig reads the config named by --config, or the default locations.
// With no config file at all the built-in defaults are used.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
		if errors.Is(err, config.ErrNoConfig) {
			cfg, err = config.Default(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	config.ApplyOverrides(cfg, overrides)
	return cfg, nil
}

func validateConfig(cfg *config.Config) error {
	errs := config.Validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// app holds the resources a command needs, opened from config.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store pipeline.Store
	// db is the local SQLite database holding the queue and, unless the
	// postgres driver is used, the event log.
	db     *db.DB
	events workflow.EventRecorder
	// owner is shared by every machine this process builds.
	owner string
	// wt is shared too, so worktree changes are serialized per process.
	wt *worktree.Manager

	closers []func()
}

// openApp loads config, builds the logger and opens the stores. When strict
// is set the config must pass validation.
func openApp(cmd *cobra.Command, strict bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if strict {
		if err := validateConfig(cfg); err != nil {
			return nil, err
		}
	}
	log, err := telemetry.NewLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cmd.ErrOrStderr()})
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, owner: uuid.NewString()}
	if err := a.openStores(cmd); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStores(cmd *cobra.Command) error {
	dbPath := ""
	if a.cfg.Store.Driver == "sqlite" {
		dbPath = a.cfg.Store.Path
	}
	if dbPath == "" {
		p, err := db.DefaultDBPath()
		if err != nil {
			return err
		}
		dbPath = p
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { database.Close() })
	if err := database.MigrateContext(cmd.Context()); err != nil {
		return err
	}
	a.db = database
	a.events = database

	switch a.cfg.Store.Driver {
	case "sqlite":
		a.store = db.NewSQLiteStore(database)
	case "postgres":
		pg, err := postgres.Open(cmd.Context(), a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		a.store = pg
		a.events = pg
	case "file", "":
		if a.cfg.Store.Path != "" {
			if err := os.MkdirAll(a.cfg.Store.Path, 0o755); err != nil {
				return fmt.Errorf("create store dir: %w", err)
			}
			a.store = pipeline.NewFileStore(a.cfg.Store.Path)
		} else {
			fs, err := pipeline.DefaultFileStore()
			if err != nil {
				return err
			}
			a.store = fs
		}
	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

// Close releases everything openApp opened, newest first.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// machine builds the workflow state machine with the gh and claude adapters.
// A non-empty maturity overrides the project maturity for new instances.
func (a *app) machine(metrics *telemetry.Metrics, maturity policy.Maturity) (*workflow.Machine, error) {
	cfg := a.cfg
	if maturity == "" {
		m, err := cfg.MaturityLevel()
		if err != nil {
			return nil, err
		}
		maturity = m
	}
	timeouts, err := cfg.StageTimeouts()
	if err != nil {
		return nil, err
	}
	lease, err := cfg.LeaseDuration()
	if err != nil {
		return nil, err
	}
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}

	platform := github.NewClient(&github.ExecRunner{}, github.Options{
		Repo:          cfg.Project.Repo,
		BaseBranch:    cfg.Project.BaseBranch,
		MergeStrategy: cfg.Workflow.MergeStrategy,
		WorkDir:       workDir,
	})
	opts := agent.Options{
		Templates: prompt.Loader{Dir: cfg.Agent.Templates},
		Logger:    a.log,
	}
	wt, useWorktrees := a.worktrees(workDir)
	if useWorktrees {
		opts.Workspace = wt
		opts.Differ = wt
	}
	provider := agent.New(&agent.CLIRunner{
		Command: cfg.Agent.Command,
		Model:   cfg.Agent.Model,
		Flags:   cfg.Agent.Flags,
		Dir:     workDir,
	}, opts)

	var checker workflow.Checker
	if len(cfg.Checks) > 0 {
		gate, err := a.checkGate(workDir)
		if err != nil {
			return nil, err
		}
		checker = gate
	}

	return workflow.New(workflow.Options{
		Store:               a.store,
		Platform:            platform,
		Agent:               provider,
		Checker:             checker,
		Merger:              review.NewMerger(cfg.ReviewConfig()),
		Controller:          iteration.New(cfg.ContextLimits()),
		Events:              a.events,
		Logger:              a.log,
		Owner:               a.owner,
		Metrics:             metrics,
		Maturity:            maturity,
		StageTimeouts:       timeouts,
		LeaseDuration:       lease,
		FileFollowups:       cfg.FileFollowups(),
		CommentOnValidation: cfg.Workflow.CommentOnValidation,
	})
}

// worktrees returns the per-branch worktree manager rooted at repoDir, or
// false when worktrees are disabled.
func (a *app) worktrees(repoDir string) (*worktree.Manager, bool) {
	if !a.cfg.UseWorktrees() {
		return nil, false
	}
	if a.wt == nil {
		dir := a.cfg.Agent.WorktreeDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(repoDir, dir)
		}
		a.wt = worktree.NewManager(&worktree.ExecGit{}, repoDir, dir, a.cfg.Project.BaseBranch)
	}
	return a.wt, true
}

// checkGate builds the gate running the configured checks, in the branch
// worktree when worktrees are enabled.
func (a *app) checkGate(workDir string) (*checks.Gate, error) {
	list, err := a.cfg.CheckList()
	if err != nil {
		return nil, err
	}
	opts := checks.GateOptions{Dir: workDir, Logger: telemetry.Component(a.log, "checks")}
	if wt, ok := a.worktrees(workDir); ok {
		opts.Workspace = wt
	}
	return checks.NewGate(checks.NewRunner(&checks.ExecRunner{}), list, opts), nil
}

// removeWorktrees deletes the worktrees of the given instances. Failures are
// logged; a leftover worktree only costs disk space.
func (a *app) removeWorktrees(ctx context.Context, branches []string) {
	if len(branches) == 0 {
		return
	}
	workDir, err := os.Getwd()
	if err != nil {
		return
	}
	wt, ok := a.worktrees(workDir)
	if !ok {
		return
	}
	for _, b := range branches {
		if err := wt.Remove(ctx, b, false); err != nil {
			a.log.Warn().Err(err).Str("branch", b).Msg("remove worktree")
		}
	}
}
