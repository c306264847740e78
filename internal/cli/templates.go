package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect and install the agent prompt templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List template names and where each resolves from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		loader := prompt.Loader{Dir: cfg.Agent.Templates}
		for _, name := range prompt.Names() {
			source := "builtin"
			if loader.Overridden(name) {
				source = cfg.Agent.Templates
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", name, source)
		}
		return nil
	},
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install [dir]",
	Short: "Write the builtin templates to a directory for editing",
	Long: `Install copies the builtin prompt templates into dir (default: the
configured agent.templates directory) so they can be customized. Existing
files are left untouched.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := ""
		if len(args) == 1 {
			dir = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir = cfg.Agent.Templates
		}
		if dir == "" {
			return fmt.Errorf("no directory given and agent.templates is not configured")
		}

		written, err := prompt.InstallBuiltinTemplates(dir)
		if err != nil {
			return err
		}
		for _, name := range written {
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", name)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Installed %d template(s) in %s\n", len(written), dir)
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesInstallCmd)
}
