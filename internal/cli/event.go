package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/db"
)

var eventsCmd = &cobra.Command{
	Use:   "events [issue]",
	Short: "Show the event log for an issue, or the most recent events",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.cfg.Store.Driver == "postgres" {
			a.log.Warn().Msg("events are recorded in postgres; showing the local event log only")
		}

		var events []db.PipelineEvent
		if len(args) == 1 {
			keys, err := issueKeys(a.cfg.Project.Platform, args)
			if err != nil {
				return err
			}
			events, err = a.db.GetPipelineHistory(cmd.Context(), keys[0])
			if err != nil {
				return err
			}
		} else {
			limit, _ := cmd.Flags().GetInt("limit")
			events, err = a.db.RecentEvents(cmd.Context(), limit)
			if err != nil {
				return err
			}
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), events)
		}
		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events.")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Time", "Issue", "Event", "Stage", "Attempt", "Detail"})
		for _, e := range events {
			tw.AppendRow(table.Row{e.Timestamp, e.IssueKey, e.Event, e.Stage, e.Attempt, truncate(e.Detail, 60)})
		}
		tw.Render()
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 20, "Number of recent events to show when no issue is given")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
