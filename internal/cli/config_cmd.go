package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/devflow/internal/config"
	"github.com/lucasnoah/devflow/internal/policy"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect the devflow configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and summarize what a run would use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if errs := config.Validate(cfg); len(errs) > 0 {
			cmd.Println("Validation errors:")
			for _, e := range errs {
				cmd.Printf("  - %s\n", e)
			}
			return fmt.Errorf("config has %d validation error(s)", len(errs))
		}

		m, err := cfg.MaturityLevel()
		if err != nil {
			return err
		}
		p, err := policy.Resolve(m)
		if err != nil {
			return err
		}
		driver := cfg.Store.Driver
		if driver == "" {
			driver = "file"
		}
		cmd.Println("Configuration is valid.")
		cmd.Printf("  repo:      %s (base %s)\n", cfg.Project.Repo, cfg.Project.BaseBranch)
		cmd.Printf("  maturity:  %s (%s review, %d iterations)\n", m, p.Strictness, p.MaxIterations)
		cmd.Printf("  store:     %s\n", driver)
		cmd.Printf("  checks:    %d\n", len(cfg.Checks))
		cmd.Printf("  worktrees: %t\n", cfg.UseWorktrees())
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults and overrides applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store.DSN != "" {
			cfg.Store.DSN = "<redacted>"
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), cfg)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}
		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or json")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
