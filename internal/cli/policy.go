package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy [maturity]",
	Short: "Show the policy each maturity level resolves to",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		levels := policy.Levels()
		if len(args) == 1 {
			m, err := policy.ParseMaturity(args[0])
			if err != nil {
				return err
			}
			levels = []policy.Maturity{m}
		}

		tw := table.NewWriter()
		tw.SetOutputMirror(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"Maturity", "Coverage", "Strictness", "Breaking changes", "Max iterations"})
		for _, m := range levels {
			p, err := policy.Resolve(m)
			if err != nil {
				return err
			}
			breaking := "no"
			switch {
			case p.AllowBreakingChanges:
				breaking = "yes"
			case p.BreakingChangeNotice:
				breaking = "with notice"
			}
			tw.AppendRow(table.Row{p.Maturity, fmt.Sprintf("%.0f%%", p.CoverageTarget*100), p.Strictness, breaking, p.MaxIterations})
		}
		tw.Render()
		return nil
	},
}
