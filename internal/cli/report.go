package cli

import (
	"github.com/spf13/cobra"

	"energy-anomaly-alerts/internal/app"
)

var (
	reportPeriod string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate the report for the last completed period",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReportOptions{
			Period: reportPeriod,
		}

		return getApp().Report(cmd.Context(), opts)
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportPeriod, "period", "daily", "Report period: daily, weekly or monthly")
}
