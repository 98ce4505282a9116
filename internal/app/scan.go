package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/registry"
	"energy-anomaly-alerts/internal/service"
	"energy-anomaly-alerts/internal/storage"
)

// Scan runs a single detection pass and prints the confirmed anomalies.
// Without --from/--to it covers the most recently completed hour.
func (a *App) Scan(ctx context.Context, opts ScanOptions) error {
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
	var alertStore storage.AlertStore
	if store != nil {
		anomalyStore = store
		alertStore = store
	}

	reg := registry.New(a.Config.Registry, a.Logger)
	engine := detect.NewEngine(a.Config.Detection, a.Config.Severity, a.Logger)
	dispatcher := a.newDispatcher(alertStore)
	scanner := service.NewScanner(adapter, reg, engine, anomalyStore, dispatcher, a.Config.Source.QueryTimeout, a.Logger)

	to := time.Now().UTC().Truncate(time.Hour)
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	result, err := scanner.ScanWindow(ctx, from, to)
	if errors.Is(err, registry.ErrNoProduction) {
		return errors.New("no production model promoted yet; run `energywatch train` first")
	}
	if err != nil {
		return err
	}

	confirmed := result.Confirmed()
	fmt.Fprintf(os.Stdout, "scanned %s .. %s: %d readings, %d confirmed anomalies (model %s)\n",
		from.Format(time.RFC3339), to.Format(time.RFC3339), result.Readings, len(confirmed), result.ModelVersion)
	if len(confirmed) == 0 {
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPower kW\tExpected kW\tDeviation%\tVotes\tMethods\tTier")
	for _, v := range confirmed {
		fmt.Fprintf(
			writer,
			"%s\t%.3f\t%.3f\t%+.1f\t%d\t%s\t%s\n",
			v.Reading.Timestamp.UTC().Format(time.RFC3339),
			v.Reading.ActivePowerKW,
			v.Expected,
			v.DeviationPct,
			v.Votes,
			strings.Join(v.Methods, ","),
			v.Tier,
		)
	}
	return writer.Flush()
}
