package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/runner"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished workflows and their events",
	Long: `Cleanup deletes completed and failed workflow instances that have not been
updated for longer than --older-than (default: workflow.cleanup_after_days),
together with their local event history. Active workflows are never removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		age := a.cfg.CleanupAge()
		if cmd.Flags().Changed("older-than") {
			age, _ = cmd.Flags().GetDuration("older-than")
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		w := cmd.OutOrStdout()

		if dryRun {
			instances, err := a.store.List(cmd.Context())
			if err != nil {
				return err
			}
			cutoff := time.Now().Add(-age)
			for _, inst := range instances {
				if inst.Stage.Terminal() && inst.UpdatedAt.Before(cutoff) {
					fmt.Fprintf(w, "would remove %s (%s)\n", inst.ID, inst.Stage)
				}
			}
			return nil
		}

		branches := map[string]string{}
		if instances, err := a.store.List(cmd.Context()); err == nil {
			for _, inst := range instances {
				if inst.ChangeSet != nil && inst.ChangeSet.Branch != "" {
					branches[inst.ID] = inst.ChangeSet.Branch
				}
			}
		}

		// Cleanup only reads and deletes, so it needs no executor.
		r := runner.New(nil, a.store, runner.Options{Logger: a.log})
		removed, err := r.Cleanup(cmd.Context(), age)
		if err != nil {
			return err
		}
		events := 0
		for _, key := range removed {
			n, err := a.db.PurgeEvents(cmd.Context(), key)
			if err != nil {
				return err
			}
			events += n
			fmt.Fprintf(w, "removed %s\n", key)
		}
		var stale []string
		for _, key := range removed {
			if b, ok := branches[key]; ok {
				stale = append(stale, b)
			}
		}
		a.removeWorktrees(cmd.Context(), stale)
		fmt.Fprintf(w, "Removed %d workflow(s), %d event(s)\n", len(removed), events)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().Duration("older-than", 0, "Remove finished workflows not updated for this long")
	cleanupCmd.Flags().Bool("dry-run", false, "List what would be removed")
}
