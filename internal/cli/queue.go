package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/db"
	"github.com/lucasnoah/devflow/internal/policy"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the issue queue consumed by \"run --queue\"",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <issue>...",
	Short: "Add issues to the queue",
	Long: `Add issues to the end of the queue. With the global --maturity flag the
issues run at that maturity instead of the project maturity.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		maturity, _ := cmd.Flags().GetString("maturity")
		if maturity != "" {
			m, err := policy.ParseMaturity(maturity)
			if err != nil {
				return err
			}
			maturity = string(m)
		}

		keys, err := issueKeys(a.cfg.Project.Platform, args)
		if err != nil {
			return err
		}
		items := make([]db.QueueAddItem, 0, len(keys))
		for _, key := range keys {
			items = append(items, db.QueueAddItem{IssueKey: key, Maturity: maturity})
		}
		if err := a.db.QueueAdd(cmd.Context(), items); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Added %d issue(s) to the queue\n", len(items))
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all items in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		items, err := a.db.QueueList(cmd.Context())
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), items)
		}
		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			return nil
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Pos", "Issue", "Status", "Maturity", "Added"})
		for _, item := range items {
			maturity := item.Maturity
			if maturity == "" {
				maturity = "(project)"
			}
			tw.AppendRow(table.Row{item.Position, item.IssueKey, item.Status, maturity, item.AddedAt})
		}
		tw.Render()
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <issue>",
	Short: "Remove an issue from the queue",
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
		if err := a.db.QueueRemove(cmd.Context(), keys[0]); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from the queue\n", keys[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all items from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("use --confirm to clear the entire queue")
		}

		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		count, err := a.db.QueueClear(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d item(s) from the queue\n", count)
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("format", "table", "Output format: table or json")
	queueClearCmd.Flags().Bool("confirm", false, "Confirm clearing the entire queue")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
}
