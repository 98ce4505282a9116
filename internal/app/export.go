package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"energy-anomaly-alerts/internal/source"
	"energy-anomaly-alerts/internal/storage"
)

// Export renders historical readings as CSV and/or PNG. Confirmed
// anomalies from the database are overlaid when one is configured.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

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

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * time.Minute)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	window, err := adapter.FetchWindow(ctx, from, to)
	if err != nil {
		return err
	}
	if window.Empty() {
		a.Logger.Info().Msg("no readings found for export window")
		return nil
	}

	var events []storage.AnomalyEvent
	if store != nil {
		events, err = store.ListAnomaliesBetween(ctx, from, to)
		if err != nil {
			return err
		}
	} else {
		a.Logger.Debug().Msg("database not configured; anomaly overlay skipped")
	}

	downsampled := downsampleReadings(window.Readings, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(window.Readings)).
		Int("exported", len(downsampled)).
		Int("anomalies", len(events)).
		Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := writeReadingsCSV(opts.CSVPath, downsampled, events); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReadingsPNG(opts.PNGPath, downsampled, events); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReadings(readings []source.Reading, max int) []source.Reading {
	if max <= 0 || len(readings) <= max {
		return readings
	}

	result := make([]source.Reading, 0, max)
	step := float64(len(readings)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(readings) {
			idx = len(readings) - 1
		}
		result = append(result, readings[idx])
	}
	return result
}

func writeReadingsCSV(path string, readings []source.Reading, events []storage.AnomalyEvent) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	tiers := tierByMinute(events)

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "active_power_kw", "reactive_power_kw", "voltage_v", "intensity_a", "sub_metering_1", "sub_metering_2", "sub_metering_3", "anomaly_tier"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range readings {
		record := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			formatKW(r.ActivePowerKW),
			formatKW(r.ReactivePowerKW),
			formatKW(r.VoltageV),
			formatKW(r.IntensityA),
			formatKW(r.SubMetering1),
			formatKW(r.SubMetering2),
			formatKW(r.SubMetering3),
			tiers[minuteKey(r.Timestamp)],
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReadingsPNG(path string, readings []source.Reading, events []storage.AnomalyEvent) error {
	if len(readings) < 2 {
		return errors.New("need at least two readings to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(readings))
	power := make([]float64, len(readings))
	for i, r := range readings {
		x[i] = r.Timestamp
		power[i] = r.ActivePowerKW
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    "Active power (kW)",
			XValues: x,
			YValues: power,
		},
	}

	if len(events) > 0 {
		ax := make([]time.Time, len(events))
		ay := make([]float64, len(events))
		for i, e := range events {
			ax[i] = e.ObservedAt
			ay[i] = e.PowerKW
		}
		series = append(series, chart.TimeSeries{
			Name:    "Confirmed anomalies",
			XValues: ax,
			YValues: ay,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    5,
				DotColor:    chart.ColorRed,
			},
		})
	}

	powerFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Power (kW)",
			ValueFormatter: powerFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func tierByMinute(events []storage.AnomalyEvent) map[int64]string {
	tiers := make(map[int64]string, len(events))
	for _, e := range events {
		tiers[minuteKey(e.ObservedAt)] = e.Tier
	}
	return tiers
}

func minuteKey(ts time.Time) int64 {
	return ts.UTC().Truncate(time.Minute).Unix()
}

func formatKW(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
