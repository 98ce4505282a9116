package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"energy-anomaly-alerts/internal/app"
)

var (
	scanFrom string
	scanTo   string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single detection pass over a time window",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ScanOptions{}

		if scanFrom != "" {
			from, err := time.Parse(time.RFC3339, scanFrom)
			if err != nil {
				return fmt.Errorf("invalid --from value: %w", err)
			}
			opts.From = &from
		}

		if scanTo != "" {
			to, err := time.Parse(time.RFC3339, scanTo)
			if err != nil {
				return fmt.Errorf("invalid --to value: %w", err)
			}
			opts.To = &to
		}

		return getApp().Scan(cmd.Context(), opts)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanFrom, "from", "", "Start timestamp (RFC3339, inclusive; defaults to one hour before --to)")
	scanCmd.Flags().StringVar(&scanTo, "to", "", "End timestamp (RFC3339, exclusive; defaults to the last full hour)")
}
