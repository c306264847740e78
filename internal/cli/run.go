package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/db"
	"github.com/lucasnoah/devflow/internal/pipeline"
	"github.com/lucasnoah/devflow/internal/policy"
	"github.com/lucasnoah/devflow/internal/runner"
	"github.com/lucasnoah/devflow/internal/telemetry"
	"github.com/lucasnoah/devflow/internal/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run [issue]...",
	Short: "Run workflows for issues until each completes or fails",
	Long: `Run drives each issue through the pipeline. Issues are given as numbers (42)
or keys (github#42). An issue that already has a workflow resumes where it
left off. With --queue N, up to N pending issues are claimed from the queue.

Interrupting the command cancels the running workflows; their state is saved
and "devflow resume" picks them up again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fromQueue, _ := cmd.Flags().GetInt("queue")
		if len(args) == 0 && fromQueue <= 0 {
			return fmt.Errorf("no issues given: pass issue numbers or --queue N")
		}

		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := issueKeys(a.cfg.Project.Platform, args)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var claimed []db.QueueItem
		if fromQueue > 0 {
			claimed, err = a.db.QueueClaim(ctx, fromQueue)
			if err != nil {
				return err
			}
			for _, item := range claimed {
				keys = append(keys, item.IssueKey)
			}
			if len(claimed) == 0 && len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
				return nil
			}
		}

		metrics, err := a.startMetrics(cmd)
		if err != nil {
			return err
		}
		exec, err := a.executor(metrics, claimed)
		if err != nil {
			return err
		}
		r := runner.New(exec, a.store, runner.Options{MaxConcurrent: a.cfg.Workflow.MaxConcurrent, Logger: a.log})
		rep := r.Run(ctx, keys)

		// Queue bookkeeping must survive an interrupt.
		if err := settleQueue(context.WithoutCancel(ctx), a.db, claimed, rep); err != nil {
			a.log.Error().Err(err).Msg("update queue")
		}
		a.removeWorktrees(context.WithoutCancel(ctx), completedBranches(ctx, a.store, rep))

		printReport(cmd.OutOrStdout(), rep)
		return reportErr(rep)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume every unfinished workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		metrics, err := a.startMetrics(cmd)
		if err != nil {
			return err
		}
		exec, err := a.executor(metrics, nil)
		if err != nil {
			return err
		}
		r := runner.New(exec, a.store, runner.Options{MaxConcurrent: a.cfg.Workflow.MaxConcurrent, Logger: a.log})
		rep, err := r.Resume(cmd.Context())
		if err != nil {
			return err
		}
		if len(rep.Outcomes) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No unfinished workflows")
			return nil
		}
		a.removeWorktrees(cmd.Context(), completedBranches(cmd.Context(), a.store, rep))
		printReport(cmd.OutOrStdout(), rep)
		return reportErr(rep)
	},
}

func init() {
	runCmd.Flags().Int("queue", 0, "Claim up to N pending issues from the queue")
	for _, c := range []*cobra.Command{runCmd, resumeCmd} {
		c.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
		c.Flags().Int("max-concurrent", 0, "Maximum workflows run in parallel")
	}
}

// issueKeys turns CLI arguments into instance keys on platform.
func issueKeys(platform string, args []string) ([]string, error) {
	keys := make([]string, 0, len(args))
	for _, arg := range args {
		p, n, err := pipeline.ParseKey(arg)
		if err != nil {
			return nil, err
		}
		if p != platform {
			return nil, fmt.Errorf("issue %q is not on platform %s", arg, platform)
		}
		keys = append(keys, pipeline.Key(p, n))
	}
	return keys, nil
}

// startMetrics serves /metrics when an address is configured. The listener
// stops with the command context.
func (a *app) startMetrics(cmd *cobra.Command) (*telemetry.Metrics, error) {
	addr := a.cfg.MetricsAddr
	if f := cmd.Flags().Lookup("metrics-addr"); f != nil && f.Changed {
		addr = f.Value.String()
	}
	if f := cmd.Flags().Lookup("max-concurrent"); f != nil && f.Changed {
		if n, err := cmd.Flags().GetInt("max-concurrent"); err == nil && n > 0 {
			a.cfg.Workflow.MaxConcurrent = n
		}
	}
	if addr == "" {
		return nil, nil
	}
	m := telemetry.NewMetrics()
	go func() {
		if err := m.Serve(cmd.Context(), addr); err != nil {
			a.log.Error().Err(err).Str("addr", addr).Msg("metrics listener stopped")
		}
	}()
	a.log.Info().Str("addr", addr).Msg("serving metrics")
	return m, nil
}

// routedExecutor runs some keys on a dedicated machine, e.g. one built for
// a queued issue's maturity, and everything else on def.
type routedExecutor struct {
	def   runner.Executor
	byKey map[string]runner.Executor
}

func (e routedExecutor) Run(ctx context.Context, key string) (*workflow.Result, error) {
	if m, ok := e.byKey[key]; ok {
		return m.Run(ctx, key)
	}
	return e.def.Run(ctx, key)
}

// executor builds the default machine plus one per distinct maturity among
// the claimed queue items.
func (a *app) executor(metrics *telemetry.Metrics, claimed []db.QueueItem) (runner.Executor, error) {
	def, err := a.machine(metrics, "")
	if err != nil {
		return nil, err
	}
	exec := routedExecutor{def: def, byKey: map[string]runner.Executor{}}
	byMaturity := map[policy.Maturity]*workflow.Machine{}
	for _, item := range claimed {
		if item.Maturity == "" {
			continue
		}
		m, err := policy.ParseMaturity(item.Maturity)
		if err != nil {
			return nil, fmt.Errorf("queued issue %s: %w", item.IssueKey, err)
		}
		mach, ok := byMaturity[m]
		if !ok {
			if mach, err = a.machine(metrics, m); err != nil {
				return nil, err
			}
			byMaturity[m] = mach
		}
		exec.byKey[item.IssueKey] = mach
	}
	return exec, nil
}

// settleQueue records the outcome of claimed queue items. Skipped items go
// back to pending.
func settleQueue(ctx context.Context, d *db.DB, claimed []db.QueueItem, rep runner.Report) error {
	if len(claimed) == 0 {
		return nil
	}
	queued := make(map[string]bool, len(claimed))
	for _, item := range claimed {
		queued[item.IssueKey] = true
	}
	for _, o := range rep.Outcomes {
		if !queued[o.Key] {
			continue
		}
		status := db.QueueFailed
		switch o.Outcome {
		case workflow.OutcomeCompleted:
			status = db.QueueCompleted
		case runner.OutcomeSkipped, workflow.OutcomeCancelled:
			status = db.QueuePending
		}
		if err := d.QueueUpdateStatus(ctx, o.Key, status); err != nil {
			return err
		}
	}
	return nil
}

// completedBranches lists the branches of instances that completed in rep.
func completedBranches(ctx context.Context, store pipeline.Store, rep runner.Report) []string {
	var branches []string
	for _, o := range rep.Outcomes {
		if o.Outcome != workflow.OutcomeCompleted {
			continue
		}
		inst, err := store.Load(context.WithoutCancel(ctx), o.Key)
		if err != nil || inst.ChangeSet == nil || inst.ChangeSet.Branch == "" {
			continue
		}
		branches = append(branches, inst.ChangeSet.Branch)
	}
	return branches
}

func printReport(w io.Writer, rep runner.Report) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Issue", "Outcome", "Stage", "Detail", "Duration"})
	for _, o := range rep.Outcomes {
		detail := o.Error
		if o.Abort != nil {
			detail = o.Abort.String()
		}
		tw.AppendRow(table.Row{o.Key, o.Outcome, o.Stage, truncate(detail, 60), o.Duration.Round(time.Second)})
	}
	tw.Render()
	fmt.Fprintf(w, "completed %d, failed %d, cancelled %d, skipped %d, errored %d\n",
		rep.Completed, rep.Failed, rep.Cancelled, rep.Skipped, rep.Errored)
}

func reportErr(rep runner.Report) error {
	if n := rep.Failed + rep.Cancelled + rep.Errored; n > 0 {
		return fmt.Errorf("%d workflow(s) did not complete", n)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
