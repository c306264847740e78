// Package worktree gives each implementation branch its own git worktree so
// concurrent workflows never share a working directory.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// GitRunner provides git commands. Interface for testing.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (g *ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Manager handles git worktree operations.
type Manager struct {
	git     GitRunner
	repoDir string // git repo root
	baseDir string // where worktrees are created
	base    string // branch new worktrees start from

	// mu serializes worktree add/remove, which contend on the repo's
	// administrative files.
	mu sync.Mutex
}

// NewManager creates a worktree manager. base defaults to "main".
func NewManager(git GitRunner, repoDir, baseDir, base string) *Manager {
	if base == "" {
		base = "main"
	}
	return &Manager{git: git, repoDir: repoDir, baseDir: baseDir, base: base}
}

// Path returns the worktree path for a branch.
func (m *Manager) Path(branch string) string {
	return filepath.Join(m.baseDir, strings.ReplaceAll(sanitizeBranch(branch), "/", "-"))
}

// Dir returns the worktree for branch, creating it from origin/<base> on
// first use. Later calls for the same branch return the existing worktree,
// so retries and resumed workflows keep their work.
func (m *Manager) Dir(ctx context.Context, branch string) (string, error) {
	name := sanitizeBranch(branch)
	if name == "" {
		return "", fmt.Errorf("invalid branch name %q", branch)
	}
	path := m.Path(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path, nil
	}

	// Best-effort fetch so the branch starts from an up-to-date base.
	m.git.Run(ctx, m.repoDir, "fetch", "origin", m.base)

	_, err := m.git.Run(ctx, m.repoDir, "worktree", "add", path, "-b", name, "origin/"+m.base)
	if err != nil {
		// The branch survives from an earlier worktree; check it out as is.
		if !strings.Contains(err.Error(), "already exists") {
			return "", fmt.Errorf("create worktree: %w", err)
		}
		if _, err := m.git.Run(ctx, m.repoDir, "worktree", "add", path, name); err != nil {
			return "", fmt.Errorf("create worktree: %w", err)
		}
	}
	return path, nil
}

// Remove removes the worktree for branch and optionally deletes the branch.
// A worktree that does not exist is not an error.
func (m *Manager) Remove(ctx context.Context, branch string, deleteBranch bool) error {
	name := sanitizeBranch(branch)
	if name == "" {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	path := m.Path(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		// Without --force to protect uncommitted work.
		if _, err := m.git.Run(ctx, m.repoDir, "worktree", "remove", path); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
	}

	if deleteBranch && name != m.base && name != "main" && name != "master" {
		if _, err := m.git.Run(ctx, m.repoDir, "branch", "-d", name); err != nil {
			return fmt.Errorf("delete branch %q: %w", name, err)
		}
	}
	return nil
}

var nonAlphaNum = regexp.MustCompile(`[^a-zA-Z0-9/_-]+`)

// sanitizeBranch cleans up a branch name.
func sanitizeBranch(name string) string {
	s := nonAlphaNum.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-/")
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

// Diff returns what branch changed since it forked from the base branch,
// read from its worktree, plus the changed file names. Without a merge-base
// (e.g. no remote) it falls back to the diff against HEAD.
func (m *Manager) Diff(ctx context.Context, branch string) (string, []string, error) {
	name := sanitizeBranch(branch)
	if name == "" {
		return "", nil, fmt.Errorf("invalid branch name %q", branch)
	}
	dir := m.Path(name)
	if _, err := os.Stat(dir); err != nil {
		return "", nil, fmt.Errorf("no worktree for %q: %w", branch, err)
	}

	rng := "HEAD"
	if mb, err := m.mergeBase(ctx, dir); err == nil {
		rng = mb + "...HEAD"
	}
	diff, err := m.git.Run(ctx, dir, "diff", rng)
	if err != nil {
		return "", nil, err
	}
	names, err := m.git.Run(ctx, dir, "diff", "--name-only", rng)
	if err != nil {
		return "", nil, err
	}
	var files []string
	for _, f := range strings.Split(names, "\n") {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	return diff, files, nil
}

// mergeBase finds the common ancestor of HEAD and the base branch, trying
// the remote ref first.
func (m *Manager) mergeBase(ctx context.Context, dir string) (string, error) {
	var lastErr error
	for _, ref := range []string{"origin/" + m.base, m.base} {
		out, err := m.git.Run(ctx, dir, "merge-base", ref, "HEAD")
		if err == nil && out != "" {
			return out, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no merge-base with %s", m.base)
	}
	return "", lastErr
}
