package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/checks"
	"github.com/lucasnoah/devflow/internal/pipeline"
)

var checksCmd = &cobra.Command{
	Use:   "checks [branch]",
	Short: "Run the configured checks the way review does",
	Long: `Run every configured check and show its result. With a branch the checks
run in that branch's worktree, as they do during review; otherwise they run in
the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.Checks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No checks configured")
			return nil
		}
		workDir, err := os.Getwd()
		if err != nil {
			return err
		}
		gate, err := a.checkGate(workDir)
		if err != nil {
			return err
		}
		var cs pipeline.ChangeSet
		if len(args) == 1 {
			cs.Branch = args[0]
		}
		findings, results, err := gate.Run(cmd.Context(), cs)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), results)
		}
		printCheckResults(cmd, results)
		if len(findings) > 0 {
			return fmt.Errorf("%d finding(s) from failed checks", len(findings))
		}
		return nil
	},
}

func init() {
	checksCmd.Flags().String("format", "text", "Output format: text or json")
}

func printCheckResults(cmd *cobra.Command, results []*checks.Result) {
	tw := table.NewWriter()
	tw.SetOutputMirror(cmd.OutOrStdout())
	tw.AppendHeader(table.Row{"Check", "Result", "Took", "Summary"})
	for _, r := range results {
		state := "fail"
		switch {
		case r.Passed && r.AutoFixed:
			state = "fixed"
		case r.Passed:
			state = "pass"
		}
		tw.AppendRow(table.Row{r.Check, state, r.Duration.Round(time.Millisecond), truncate(r.Summary, 60)})
	}
	tw.Render()
}
