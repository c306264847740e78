package cli

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/analytics"
	"github.com/lucasnoah/devflow/internal/pipeline"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query workflow performance from the event log",
}

// sinceFlag converts --since (a duration like 168h) into a timestamp bound
// comparable with the event log.
func sinceFlag(cmd *cobra.Command) (string, error) {
	d, err := cmd.Flags().GetDuration("since")
	if err != nil || d <= 0 {
		return "", err
	}
	return time.Now().UTC().Add(-d).Format("2006-01-02 15:04:05"), nil
}

// analyticsCommand wraps the boilerplate shared by the analytics queries:
// open the database, resolve --since, render as a table or JSON.
func analyticsCommand(use, short string, query func(cmd *cobra.Command, database analytics.DB, since string) (any, func(table.Writer), error)) *cobra.Command {
	c := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			since, err := sinceFlag(cmd)
			if err != nil {
				return err
			}
			data, fill, err := query(cmd, a.db, since)
			if err != nil {
				return err
			}

			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), data)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			fill(tw)
			tw.Render()
			return nil
		},
	}
	c.Flags().Duration("since", 0, "Only consider events newer than this (e.g. 168h)")
	c.Flags().String("format", "text", "Output format: text or json")
	return c
}

var analyticsDurationsCmd = analyticsCommand("durations", "Average and percentile minutes per stage attempt",
	func(cmd *cobra.Command, database analytics.DB, since string) (any, func(table.Writer), error) {
		rows, err := analytics.QueryStageDurations(cmd.Context(), database, since)
		return rows, func(tw table.Writer) {
			tw.AppendHeader(table.Row{"Stage", "Count", "Avg (min)", "P50", "P95"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Stage, r.Count, r.Avg, r.P50, r.P95})
			}
		}, err
	})

var analyticsOutcomesCmd = analyticsCommand("outcomes", "How often each stage advanced, retried, looped back or failed",
	func(cmd *cobra.Command, database analytics.DB, since string) (any, func(table.Writer), error) {
		rows, err := analytics.QueryStageOutcomes(cmd.Context(), database, since)
		return rows, func(tw table.Writer) {
			tw.AppendHeader(table.Row{"Stage", "Attempts", "Advanced %", "Retried %", "Loop back %", "Failed %"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Stage, r.Total, r.Advanced, r.Retried, r.LoopBack, r.Failed})
			}
		}, err
	})

var analyticsAttemptsCmd = analyticsCommand("attempts", "Distribution of attempts needed per stage",
	func(cmd *cobra.Command, database analytics.DB, since string) (any, func(table.Writer), error) {
		rows, err := analytics.QueryAttempts(cmd.Context(), database, since)
		return rows, func(tw table.Writer) {
			tw.AppendHeader(table.Row{"Stage", "Total", "1 %", "2 %", "3+ %"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Stage, r.Total, r.One, r.Two, r.ThreePlus})
			}
		}, err
	})

var analyticsThroughputCmd = analyticsCommand("throughput", "Workflows created and finished per week",
	func(cmd *cobra.Command, database analytics.DB, since string) (any, func(table.Writer), error) {
		rows, err := analytics.QueryPipelineThroughput(cmd.Context(), database, since)
		return rows, func(tw table.Writer) {
			tw.AppendHeader(table.Row{"Week", "Created", "Completed", "Failed", "Cancelled", "Avg hours"})
			for _, r := range rows {
				tw.AppendRow(table.Row{r.Period, r.Created, r.Completed, r.Failed, r.Cancelled, r.AvgDuration})
			}
		}, err
	})

var analyticsIssueCmd = &cobra.Command{
	Use:   "issue <issue>",
	Short: "Timeline of one issue, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := issueKeys(a.cfg.Project.Platform, args)
		if err != nil {
			return err
		}
		events, err := analytics.QueryIssueDetail(cmd.Context(), a.db, keys[0])
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return fmt.Errorf("no events for %s", keys[0])
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Time", "Event", "Stage", "Attempt", "Detail"})
		for _, e := range events {
			tw.AppendRow(table.Row{e.Timestamp, e.Event, e.Stage, e.Attempt, truncate(e.Detail, 60)})
		}
		tw.Render()
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize stored workflows: outcomes, iterations, review rounds",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		instances, err := a.store.List(cmd.Context())
		if err != nil {
			return err
		}
		s := analytics.Summarize(instances)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), s)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Workflows:      %d (%d active, %d completed, %d failed)\n", s.Total, s.Active, s.Completed, s.Failed)
		fmt.Fprintf(w, "Success rate:   %.1f%%\n", s.SuccessRate)
		fmt.Fprintf(w, "Avg iterations: %.1f\n", s.AvgIterations)
		fmt.Fprintf(w, "Avg reviews:    %.1f\n", s.AvgReviewRounds)

		if len(s.ByStage) > 0 {
			fmt.Fprintln(w)
			tw := table.NewWriter()
			tw.SetOutputMirror(w)
			tw.AppendHeader(table.Row{"Active stage", "Workflows"})
			for _, st := range pipeline.Stages {
				if n := s.ByStage[st]; n > 0 {
					tw.AppendRow(table.Row{st, n})
				}
			}
			tw.Render()
		}
		if len(s.ByAbort) > 0 {
			fmt.Fprintln(w)
			tw := table.NewWriter()
			tw.SetOutputMirror(w)
			tw.AppendHeader(table.Row{"Abort reason", "Workflows"})
			for _, k := range s.AbortKinds() {
				tw.AppendRow(table.Row{k, s.ByAbort[k]})
			}
			tw.Render()
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("format", "text", "Output format: text or json")

	analyticsCmd.AddCommand(analyticsDurationsCmd)
	analyticsCmd.AddCommand(analyticsOutcomesCmd)
	analyticsCmd.AddCommand(analyticsAttemptsCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
	analyticsCmd.AddCommand(analyticsIssueCmd)
}
