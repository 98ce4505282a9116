package cli

import (
	"github.com/spf13/cobra"

	"energy-anomaly-alerts/internal/app"
)

var (
	migrateDown bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.MigrateOptions{
			Down: migrateDown,
		}

		return getApp().Migrate(cmd.Context(), opts)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "Roll back one migration step instead of applying")
}
