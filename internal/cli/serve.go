package cli

import (
	"github.com/spf13/cobra"

	"github.com/lucasnoah/devflow/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local read-only web UI",
	Long: `Start a read-only browser UI showing workflow state and recent activity.

JSON endpoints:
  GET /api/instances[?all=1]        active (or all) workflows
  GET /api/instances/{issue}        one workflow
  GET /api/instances/{issue}/events event timeline, oldest first
  GET /api/instances/{issue}/stream server-sent events on every change
  GET /api/queue                    the issue queue
  GET /api/stats                    summary over stored workflows`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		addr, _ := cmd.Flags().GetString("addr")
		srv := web.NewServer(a.store, web.Options{
			DB:       a.db,
			Platform: a.cfg.Project.Platform,
			Logger:   a.log,
		})
		return srv.Start(cmd.Context(), addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "Address to listen on")
}
