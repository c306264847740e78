package cli

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasnoah/devflow/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	overrides  = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "devflow",
	Short: "Drive issues from validation to merge",
	Long: `devflow runs each issue through validation, implementation, review and
finalization, using the claude CLI as the agent and the gh CLI as the hosting
platform.

Workflow state is persisted after every transition, so an interrupted run can
be resumed with "devflow resume". Configuration is read from ./devflow.yaml or
~/.devflow/config.yaml; DEVFLOW_* environment variables and flags override it.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx. Cancelling ctx cancels
// running workflows, which persist their state before returning.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to devflow config file")
	pf.String("log-level", "", "log level: trace, debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("store", "", "instance store driver: file, sqlite or postgres")
	pf.String("maturity", "", "project maturity for new workflows")
	bindFlag(overrides, "log.level", rootCmd, "log-level")
	bindFlag(overrides, "log.format", rootCmd, "log-format")
	bindFlag(overrides, "store.driver", rootCmd, "store")
	bindFlag(overrides, "project.maturity", rootCmd, "maturity")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checksCmd)
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	flag := cmd.PersistentFlags().Lookup(name)
	if flag == nil {
		flag = cmd.Flags().Lookup(name)
	}
	_ = v.BindPFlag(key, flag)
}
