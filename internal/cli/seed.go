package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"energy-anomaly-alerts/internal/app"
)

var (
	seedDays        int
	seedProfile     string
	seedSeed        int64
	seedAnomalyRate float64
	seedDryRun      bool
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the readings table with synthetic history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedDays <= 0 {
			return fmt.Errorf("--days must be greater than zero")
		}

		opts := app.SeedOptions{
			Days:        seedDays,
			Profile:     seedProfile,
			Seed:        seedSeed,
			AnomalyRate: seedAnomalyRate,
			DryRun:      seedDryRun,
		}

		return getApp().Seed(cmd.Context(), opts)
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedDays, "days", 30, "Number of days of history to generate")
	seedCmd.Flags().StringVar(&seedProfile, "profile", "medium", "Consumption profile: small, medium or large")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 42, "Random seed for the generator")
	seedCmd.Flags().Float64Var(&seedAnomalyRate, "anomaly-rate", 0.01, "Fraction of readings turned into injected anomalies")
	seedCmd.Flags().BoolVar(&seedDryRun, "dry-run", false, "Generate without writing to storage")
}
