package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local SQLite database",
}

// openDB opens the local database without applying migrations.
func openDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := ""
	if cfg.Store.Driver == "sqlite" {
		path = cfg.Store.Path
	}
	if path == "" {
		if path, err = db.DefaultDBPath(); err != nil {
			return nil, err
		}
	}
	return db.Open(path)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		before, err := d.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		if err := d.MigrateContext(cmd.Context()); err != nil {
			return err
		}
		after, err := d.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		if after == before {
			fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date (schema v%d)\n", d.Path(), after)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s from schema v%d to v%d\n", d.Path(), before, after)
		return nil
	},
}

var dbVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		v, err := d.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: schema v%d\n", d.Path(), v)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate every table (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("use --confirm to drop the queue, event log and stored workflows")
		}
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset %s\n", d.Path())
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("confirm", false, "Confirm dropping all data")

	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbVersionCmd)
	dbCmd.AddCommand(dbResetCmd)
}
