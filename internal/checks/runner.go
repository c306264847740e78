package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/devflow/internal/review"
)

// DefaultTimeout bounds a check without its own timeout.
const DefaultTimeout = 5 * time.Minute

// Check is one command run against a change set's working tree.
type Check struct {
	Name    string
	Command string
	// Parser selects how output is read: generic, lines, gotest, eslint or
	// typescript. Unknown names fall back to generic.
	Parser  string
	Timeout time.Duration
	// FixCommand, when set, runs once after a failure before the check is
	// repeated (e.g. gofmt -w, eslint --fix).
	FixCommand string
	// Severity of the findings a failure produces. Defaults to major.
	Severity review.Severity
	// Category of the findings. Defaults to the check name.
	Category string
}

// Result holds the structured output of a check run.
type Result struct {
	Check     string        `json:"check"`
	Passed    bool          `json:"passed"`
	AutoFixed bool          `json:"auto_fixed,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Summary   string        `json:"summary"`
	Issues    []Issue       `json:"issues,omitempty"`
	Output    string        `json:"output,omitempty"`
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner with sh -c.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Runner executes checks and parses their output.
type Runner struct {
	cmd     CommandRunner
	parsers map[string]Parser
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner) *Runner {
	return &Runner{
		cmd: cmd,
		parsers: map[string]Parser{
			"generic":    &GenericParser{},
			"lines":      &LineParser{},
			"gotest":     &GoTestParser{},
			"eslint":     &ESLintParser{},
			"typescript": &TypeScriptParser{},
		},
	}
}

// Parsers lists the known parser names.
func Parsers() []string {
	return []string{"generic", "lines", "gotest", "eslint", "typescript"}
}

// Run executes a single check in dir. A failing or timed-out check is a
// result, not an error; errors mean the command could not be run at all.
func (r *Runner) Run(ctx context.Context, dir string, c Check) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	result, err := r.runOnce(ctx, dir, c, timeout)
	if err != nil {
		return nil, err
	}
	if result.Passed || c.FixCommand == "" {
		return result, nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, timeout)
	// Fix commands often exit non-zero; only the re-run decides.
	_, _, _, _ = r.cmd.Run(fixCtx, dir, c.FixCommand)
	cancel()

	recheck, err := r.runOnce(ctx, dir, c, timeout)
	if err != nil {
		return nil, fmt.Errorf("re-run after fix: %w", err)
	}
	recheck.AutoFixed = true
	return recheck, nil
}

func (r *Runner) runOnce(ctx context.Context, dir string, c Check, timeout time.Duration) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := r.cmd.Run(runCtx, dir, c.Command)
	took := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return &Result{
				Check:    c.Name,
				ExitCode: -1,
				Duration: took,
				Summary:  fmt.Sprintf("timeout after %s", timeout),
				Output:   tail(stdout, stderr),
			}, nil
		}
		return nil, fmt.Errorf("run check %q: %w", c.Name, err)
	}

	parser, ok := r.parsers[c.Parser]
	if !ok {
		parser = r.parsers["generic"]
	}
	parsed := parser.Parse(stdout, stderr, exitCode)

	return &Result{
		Check:    c.Name,
		Passed:   exitCode == 0 && parsed.Passed,
		ExitCode: exitCode,
		Duration: took,
		Summary:  parsed.Summary,
		Issues:   parsed.Issues,
		Output:   parsed.Output,
	}, nil
}
