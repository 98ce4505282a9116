package cli

import (
	"github.com/spf13/cobra"

	"energy-anomaly-alerts/internal/app"
)

var (
	trainForce bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a training cycle and promote the better model",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.TrainOptions{
			Force: trainForce,
		}

		return getApp().Train(cmd.Context(), opts)
	},
}

func init() {
	trainCmd.Flags().BoolVar(&trainForce, "force", false, "Train even if the retraining interval has not elapsed")
}
