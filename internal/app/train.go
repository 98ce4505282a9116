package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"energy-anomaly-alerts/internal/alerting"
	"energy-anomaly-alerts/internal/registry"
	"energy-anomaly-alerts/internal/storage"
)

// Train runs one training cycle and prints the outcome. Force bypasses
// the interval gate; the promotion decision is never forced.
func (a *App) Train(ctx context.Context, opts TrainOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	adapter, err := a.newSource(store)
	if err != nil {
		return err
	}

	reg := registry.New(a.Config.Registry, a.Logger)
	trainer := a.newTrainer(adapter, reg)

	res, runErr := trainer.RunCycle(ctx, time.Now().UTC(), opts.Force)
	if res.Ran || runErr != nil {
		var alertStore storage.AlertStore
		if store != nil {
			alertStore = store
		}
		dispatcher := a.newDispatcher(alertStore)
		if derr := dispatcher.Dispatch(ctx, alerting.FormatTrainingAlert(res, runErr)); derr != nil {
			a.Logger.Error().Err(derr).Msg("training alert delivery failed")
		}
	}
	if runErr != nil {
		return runErr
	}
	if !res.Ran {
		fmt.Fprintln(os.Stdout, "training not due yet; use --force to train anyway")
		return nil
	}

	fmt.Fprintf(os.Stdout, "decision: %s\n", res.Decision)
	if res.Version != "" {
		fmt.Fprintf(os.Stdout, "version:  %s\n", res.Version)
	}
	fmt.Fprintf(os.Stdout, "records:  %d (%.1f days)\n", res.Records, res.Report.SpanDays)
	if res.Metrics != nil {
		fmt.Fprintf(os.Stdout, "holdout:  MAE %.4f kW, RMSE %.4f kW, MAPE %.1f%%, R2 %.3f\n",
			res.Metrics.MAE, res.Metrics.RMSE, res.Metrics.MAPE, res.Metrics.R2)
	}
	if res.Previous != nil {
		fmt.Fprintf(os.Stdout, "previous: MAE %.4f kW, RMSE %.4f kW\n", res.Previous.MAE, res.Previous.RMSE)
	}
	if res.Regressed {
		fmt.Fprintln(os.Stdout, "challenger regressed beyond tolerance; production model kept")
	}
	return nil
}
