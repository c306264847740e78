package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [issue]",
	Short: "Show workflow instances, or one instance in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		if len(args) == 1 {
			keys, err := issueKeys(a.cfg.Project.Platform, args)
			if err != nil {
				return err
			}
			inst, err := a.store.Load(cmd.Context(), keys[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(w, inst)
			}
			printInstance(w, inst, time.Now())
			return nil
		}

		all, _ := cmd.Flags().GetBool("all")
		var instances []pipeline.Instance
		if all {
			instances, err = a.store.List(cmd.Context())
		} else {
			instances, err = a.store.ListActive(cmd.Context())
		}
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(w, instances)
		}
		if len(instances) == 0 {
			fmt.Fprintln(w, "No workflows found.")
			return nil
		}

		now := time.Now()
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Issue", "Stage", "Attempt", "Maturity", "Lease", "Updated", "Title"})
		for i := range instances {
			inst := &instances[i]
			tw.AppendRow(table.Row{inst.ID, inst.Stage, inst.Attempt(), inst.Maturity, leaseState(inst, now), ago(inst.UpdatedAt, now), truncate(inst.Title, 40)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().Bool("all", false, "Include completed and failed workflows")
}

func printInstance(w io.Writer, inst *pipeline.Instance, now time.Time) {
	fmt.Fprintf(w, "Issue:     %s\n", inst.ID)
	if inst.Title != "" {
		fmt.Fprintf(w, "Title:     %s\n", inst.Title)
	}
	fmt.Fprintf(w, "Stage:     %s (attempt %d)\n", inst.Stage, inst.Attempt())
	fmt.Fprintf(w, "Maturity:  %s\n", inst.Maturity)
	fmt.Fprintf(w, "Lease:     %s\n", leaseState(inst, now))
	if inst.ChangeRequestID != "" {
		fmt.Fprintf(w, "Change:    %s\n", inst.ChangeRequestID)
	}
	if inst.Verdict != nil {
		fmt.Fprintf(w, "Verdict:   %s (%d findings, %d follow-ups)\n", inst.Verdict.Outcome, len(inst.Verdict.Retained), len(inst.Verdict.Followups))
	}
	if len(inst.Followups) > 0 {
		fmt.Fprintf(w, "Followups: %s\n", strings.Join(inst.Followups, ", "))
	}
	if inst.Abort != nil {
		fmt.Fprintf(w, "Aborted:   %s\n", inst.Abort)
	}
	fmt.Fprintf(w, "Context:   %d entries, %d bytes\n", len(inst.Context.Entries), inst.Context.Size())

	if len(inst.History) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Stage", "Attempt", "Decision", "Kind", "Took", "Detail"})
	for _, h := range inst.History {
		tw.AppendRow(table.Row{h.Stage, h.Attempt, h.Decision, h.Kind, h.FinishedAt.Sub(h.StartedAt).Round(time.Second), truncate(h.Detail, 60)})
	}
	tw.Render()
}

func leaseState(inst *pipeline.Instance, now time.Time) string {
	if inst.Owner == "" || !now.Before(inst.LeaseExpiresAt) {
		return "-"
	}
	return fmt.Sprintf("held, %s left", inst.LeaseExpiresAt.Sub(now).Round(time.Second))
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
