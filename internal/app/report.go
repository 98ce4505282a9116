package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"energy-anomaly-alerts/internal/report"
	"energy-anomaly-alerts/internal/storage"
)

// Report generates the report for the most recently completed period of
// the given kind, writes the artifacts and prints the text summary.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	period, err := report.ParsePeriod(opts.Period)
	if err != nil {
		return err
	}

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

	var anomalyStore storage.AnomalyStore
	if store != nil {
		anomalyStore = store
	}

	gen := report.NewGenerator(a.Config.Reports, adapter, anomalyStore, a.Logger)
	rep, err := gen.Generate(ctx, period, time.Now().UTC())
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, rep.Text())
	fmt.Fprintf(os.Stdout, "\nwritten: %s\nwritten: %s\nwritten: %s\n", rep.SummaryPath, rep.CSVPath, rep.ChartPath)
	return nil
}
