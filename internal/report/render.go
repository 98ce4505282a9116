package report

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"energy-anomaly-alerts/internal/source"
)

// Text renders the report as the plain-text summary used for the file
// artifact, the CLI output and the notification body.
func (r Report) Text() string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("[%s Energy Report] %s .. %s\n",
		titled(string(r.Period)),
		r.From.Format("2006-01-02"), r.To.Format("2006-01-02")))
	if r.Stale {
		b.WriteString("STALE DATA: reading source unavailable, built from the cached window\n")
	}

	s := r.Summary
	b.WriteString(fmt.Sprintf("Readings: %d\n", s.Readings))
	b.WriteString(fmt.Sprintf("Total consumption: %.2f kWh\n", s.TotalKWh))
	b.WriteString(fmt.Sprintf("Mean power: %.3f kW (peak %.2f, min %.2f, P95 %.2f)\n",
		s.MeanKW, s.PeakKW, s.MinKW, s.P95KW))
	b.WriteString(fmt.Sprintf("Load factor: %.2f\n", s.LoadFactor))
	b.WriteString(fmt.Sprintf("Efficiency score: %d/100\n", s.EfficiencyScore))
	if !math.IsNaN(s.ChangePct) {
		b.WriteString(fmt.Sprintf("Change vs previous period: %+.1f%%\n", s.ChangePct))
	}
	b.WriteString(fmt.Sprintf("Peak hour: %02d:00, valley hour: %02d:00\n", s.PeakHour, s.ValleyHour))
	b.WriteString(fmt.Sprintf("Estimated cost: %s %s\n", s.Cost.StringFixed(2), s.Currency))

	b.WriteString(fmt.Sprintf("Anomalies: %d confirmed", s.Anomalies.Total))
	if s.Anomalies.Critical > 0 {
		b.WriteString(fmt.Sprintf(" (%d critical, max %.2f kW)", s.Anomalies.Critical, s.Anomalies.MaxPowerKW))
	}
	b.WriteString("\n")
	for _, category := range sortedKeys(s.Anomalies.ByCategory) {
		b.WriteString(fmt.Sprintf(" - %s: %d\n", category, s.Anomalies.ByCategory[category]))
	}

	b.WriteString("Recommendations:\n")
	for _, rec := range r.Recommendations {
		b.WriteString(fmt.Sprintf(" - %s: %s", rec.Title, rec.Detail))
		if rec.Savings != "" {
			b.WriteString(fmt.Sprintf(" (potential savings %s)", rec.Savings))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// render writes the text, CSV and chart artifacts and records their
// paths on the report.
func (g *Generator) render(rep *Report, window source.Window) error {
	base := fmt.Sprintf("energy_report_%s_%s", rep.Period, rep.From.Format("20060102"))
	dir := filepath.Join(g.cfg.Dir, string(rep.Period))

	summaryPath := filepath.Join(dir, base+".txt")
	if err := ensureDir(summaryPath); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := os.WriteFile(summaryPath, []byte(rep.Text()), 0o644); err != nil {
		return fmt.Errorf("write report summary: %w", err)
	}
	rep.SummaryPath = summaryPath

	csvPath := filepath.Join(dir, base+".csv")
	if err := writeDailyCSV(csvPath, window); err != nil {
		return fmt.Errorf("write report csv: %w", err)
	}
	rep.CSVPath = csvPath

	chartPath := filepath.Join(dir, base+".png")
	if err := writeConsumptionPNG(chartPath, window); err != nil {
		return fmt.Errorf("write report chart: %w", err)
	}
	rep.ChartPath = chartPath

	return nil
}

// dailyRow is one aggregated day in the CSV extract.
type dailyRow struct {
	day  time.Time
	kwh  float64
	mean float64
	peak float64
}

func aggregateDaily(window source.Window) []dailyRow {
	type acc struct {
		sum  float64
		n    float64
		peak float64
	}
	byDay := make(map[time.Time]*acc)
	for _, r := range window.Readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		day := r.Timestamp.UTC().Truncate(24 * time.Hour)
		a := byDay[day]
		if a == nil {
			a = &acc{}
			byDay[day] = a
		}
		a.sum += r.ActivePowerKW
		a.n++
		if r.ActivePowerKW > a.peak {
			a.peak = r.ActivePowerKW
		}
	}

	rows := make([]dailyRow, 0, len(byDay))
	for day, a := range byDay {
		rows = append(rows, dailyRow{
			day:  day,
			kwh:  a.sum / 60,
			mean: a.sum / a.n,
			peak: a.peak,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].day.Before(rows[j].day) })
	return rows
}

func writeDailyCSV(path string, window source.Window) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "total_kwh", "mean_kw", "peak_kw"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range aggregateDaily(window) {
		record := []string{
			row.day.Format("2006-01-02"),
			strconv.FormatFloat(row.kwh, 'f', 3, 64),
			strconv.FormatFloat(row.mean, 'f', 4, 64),
			strconv.FormatFloat(row.peak, 'f', 3, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// hourlySeries reduces the window to mean power per clock hour for
// charting. Hours without valid readings are skipped.
func hourlySeries(window source.Window) ([]time.Time, []float64) {
	type acc struct {
		sum float64
		n   float64
	}
	byHour := make(map[time.Time]*acc)
	for _, r := range window.Readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		hour := r.Timestamp.UTC().Truncate(time.Hour)
		a := byHour[hour]
		if a == nil {
			a = &acc{}
			byHour[hour] = a
		}
		a.sum += r.ActivePowerKW
		a.n++
	}

	hours := make([]time.Time, 0, len(byHour))
	for hour := range byHour {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	means := make([]float64, len(hours))
	for i, hour := range hours {
		a := byHour[hour]
		means[i] = a.sum / a.n
	}
	return hours, means
}

func writeConsumptionPNG(path string, window source.Window) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x, y := hourlySeries(window)
	if len(x) < 2 {
		return fmt.Errorf("not enough hourly points to chart: %d", len(x))
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
			Name:           "Mean power (kW)",
			ValueFormatter: powerFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Hourly mean power",
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func titled(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
