// Package report builds periodic consumption reports: statistics over a
// reading window, anomaly aggregates, rule-based recommendations, a cost
// estimate and rendered artifacts (text summary, CSV extract, PNG chart).
// When the reading source is down, a cached last-known-good window can
// stand in so the report still ships, flagged as stale.
package report

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/source"
	"energy-anomaly-alerts/internal/storage"
)

// Period selects the reporting window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod normalises a period name from configuration or flags.
func ParsePeriod(s string) (Period, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return PeriodDaily, nil
	case "weekly":
		return PeriodWeekly, nil
	case "monthly":
		return PeriodMonthly, nil
	}
	return "", fmt.Errorf("invalid report period %q", s)
}

// Range returns the closed-open window the period covers relative to now.
// Reports always cover the most recent completed period: the daily report
// covers yesterday, the weekly report the previous Monday-to-Sunday week,
// the monthly report the previous calendar month. All boundaries are UTC.
func (p Period) Range(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch p {
	case PeriodWeekly:
		weekday := int(midnight.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		thisMonday := midnight.AddDate(0, 0, -(weekday - 1))
		return thisMonday.AddDate(0, 0, -7), thisMonday
	case PeriodMonthly:
		firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return firstOfMonth.AddDate(0, -1, 0), firstOfMonth
	default:
		return midnight.AddDate(0, 0, -1), midnight
	}
}

// Summary carries the computed KPIs for one reporting window.
type Summary struct {
	Readings        int             `json:"readings"`
	TotalKWh        float64         `json:"total_kwh"`
	MeanKW          float64         `json:"mean_kw"`
	PeakKW          float64         `json:"peak_kw"`
	MinKW           float64         `json:"min_kw"`
	P95KW           float64         `json:"p95_kw"`
	LoadFactor      float64         `json:"load_factor"`
	EfficiencyScore int             `json:"efficiency_score"`
	// ChangePct is NaN when the previous period could not be fetched.
	ChangePct  float64         `json:"-"`
	PeakHour   int             `json:"peak_hour"`
	ValleyHour int             `json:"valley_hour"`
	Cost       decimal.Decimal `json:"cost"`
	Currency   string          `json:"currency"`
	Anomalies  AnomalySummary  `json:"anomalies"`
}

// AnomalySummary aggregates the confirmed anomaly events in the window.
type AnomalySummary struct {
	Total      int            `json:"total"`
	Critical   int            `json:"critical"`
	ByTier     map[string]int `json:"by_tier,omitempty"`
	ByCategory map[string]int `json:"by_category,omitempty"`
	MaxPowerKW float64        `json:"max_power_kw"`
}

// Recommendation is one rule-driven advice line.
type Recommendation struct {
	Title   string `json:"title"`
	Detail  string `json:"detail"`
	Savings string `json:"savings,omitempty"`
}

// Report is the result of one generation run.
type Report struct {
	Period          Period           `json:"period"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	GeneratedAt     time.Time        `json:"generated_at"`
	Stale           bool             `json:"stale"`
	Summary         Summary          `json:"summary"`
	Recommendations []Recommendation `json:"recommendations"`
	SummaryPath     string           `json:"summary_path,omitempty"`
	CSVPath         string           `json:"csv_path,omitempty"`
	ChartPath       string           `json:"chart_path,omitempty"`
}

// Generator assembles reports from the reading source and the anomaly
// audit trail. The anomaly store may be nil; aggregates are then empty.
type Generator struct {
	cfg       config.ReportsConfig
	source    source.Adapter
	anomalies storage.AnomalyStore
	logger    zerolog.Logger
}

// NewGenerator builds a report generator.
func NewGenerator(cfg config.ReportsConfig, adapter source.Adapter, anomalies storage.AnomalyStore, logger zerolog.Logger) *Generator {
	return &Generator{
		cfg:       cfg,
		source:    adapter,
		anomalies: anomalies,
		logger:    logger.With().Str("component", "report").Logger(),
	}
}

// Generate builds the report for the period ending before now and writes
// its artifacts under the configured directory. A source outage falls
// back to the cached window when enabled; the report is then marked
// stale. With neither live nor cached data the outage error surfaces.
func (g *Generator) Generate(ctx context.Context, period Period, now time.Time) (Report, error) {
	from, to := period.Range(now)

	rep := Report{
		Period:      period,
		From:        from,
		To:          to,
		GeneratedAt: now.UTC(),
	}

	window, stale, err := g.fetchWindow(ctx, from, to)
	if err != nil {
		return rep, err
	}
	rep.Stale = stale

	if window.Empty() {
		return rep, &faults.InsufficientDataError{Got: 0, Need: 1}
	}

	rep.Summary = g.summarize(ctx, window, from, to)
	rep.Recommendations = recommend(window, rep.Summary)

	if err := g.render(&rep, window); err != nil {
		return rep, err
	}

	g.logger.Info().
		Str("period", string(period)).
		Time("from", from).
		Time("to", to).
		Float64("total_kwh", rep.Summary.TotalKWh).
		Int("anomalies", rep.Summary.Anomalies.Total).
		Bool("stale", stale).
		Msg("report generated")

	return rep, nil
}

// fetchWindow pulls the reporting window, falling back to the cache on a
// source outage when configured. A live fetch refreshes the cache.
func (g *Generator) fetchWindow(ctx context.Context, from, to time.Time) (source.Window, bool, error) {
	window, err := g.source.FetchWindow(ctx, from, to)
	if err == nil {
		if !window.Empty() {
			if cacheErr := g.saveCache(window); cacheErr != nil {
				g.logger.Warn().Err(cacheErr).Msg("report cache write failed")
			}
		}
		return window, false, nil
	}

	if !faults.IsRetryable(err) || !g.cfg.FallbackCache {
		return source.Window{}, false, err
	}

	cached, cacheErr := g.loadCache()
	if cacheErr != nil {
		g.logger.Warn().Err(cacheErr).Msg("report cache unavailable")
		return source.Window{}, false, err
	}

	g.logger.Warn().
		Time("cached_through", cached.End).
		Msg("reading source unavailable, reporting from cached window")
	return cached, true, nil
}

func (g *Generator) summarize(ctx context.Context, window source.Window, from, to time.Time) Summary {
	powers := validPowers(window)

	sum := Summary{
		Readings: window.Len(),
		Currency: g.cfg.Currency,
	}
	if len(powers) == 0 {
		return sum
	}

	sorted := append([]float64(nil), powers...)
	sort.Float64s(sorted)

	sum.MeanKW = stat.Mean(powers, nil)
	sum.MinKW = sorted[0]
	sum.PeakKW = sorted[len(sorted)-1]
	sum.P95KW = stat.Quantile(0.95, stat.LinInterp, sorted, nil)

	// Minute-cadence samples: average kW over the window times its hours.
	sum.TotalKWh = floatsSum(powers) / 60
	if sum.PeakKW > 0 {
		sum.LoadFactor = sum.MeanKW / sum.PeakKW
	}
	sum.EfficiencyScore = efficiencyScore(sum.MeanKW, stat.Quantile(0.5, stat.LinInterp, sorted, nil))
	sum.ChangePct = g.changeVsPrevious(ctx, from, to, sum.TotalKWh)
	sum.PeakHour, sum.ValleyHour = peakValleyHours(window)

	tariff := decimal.NewFromFloat(g.cfg.TariffPerKWh)
	sum.Cost = decimal.NewFromFloat(sum.TotalKWh).Mul(tariff).Round(2)

	sum.Anomalies = g.anomalySummary(ctx, from, to)
	return sum
}

// changeVsPrevious compares consumption against the preceding period of
// equal length. The extra fetch is best effort; NaN means unknown.
func (g *Generator) changeVsPrevious(ctx context.Context, from, to time.Time, totalKWh float64) float64 {
	span := to.Sub(from)
	prev, err := g.source.FetchWindow(ctx, from.Add(-span), from)
	if err != nil || prev.Empty() {
		return math.NaN()
	}
	prevKWh := floatsSum(validPowers(prev)) / 60
	if prevKWh <= 0 {
		return math.NaN()
	}
	return (totalKWh - prevKWh) / prevKWh * 100
}

func (g *Generator) anomalySummary(ctx context.Context, from, to time.Time) AnomalySummary {
	sum := AnomalySummary{}
	if g.anomalies == nil {
		return sum
	}

	events, err := g.anomalies.ListAnomaliesBetween(ctx, from, to)
	if err != nil {
		g.logger.Warn().Err(err).Msg("anomaly aggregation failed")
		return sum
	}

	sum.ByTier = make(map[string]int)
	sum.ByCategory = make(map[string]int)
	for _, ev := range events {
		sum.Total++
		sum.ByTier[ev.Tier]++
		sum.ByCategory[ev.Category]++
		if ev.Tier == string(detect.TierCritical) {
			sum.Critical++
		}
		if ev.PowerKW > sum.MaxPowerKW {
			sum.MaxPowerKW = ev.PowerKW
		}
	}
	return sum
}

// efficiencyScore rates how balanced consumption is: 100 when mean and
// median coincide, dropping as skew grows.
func efficiencyScore(mean, median float64) int {
	if mean <= 0 {
		return 0
	}
	ratio := math.Abs(mean-median) / mean
	score := 100 - ratio*200
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// peakValleyHours finds the hours of day with the highest and lowest
// mean power.
func peakValleyHours(window source.Window) (int, int) {
	var sums, counts [24]float64
	for _, r := range window.Readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		h := r.Timestamp.UTC().Hour()
		sums[h] += r.ActivePowerKW
		counts[h]++
	}

	peak, valley := 0, 0
	peakMean, valleyMean := math.Inf(-1), math.Inf(1)
	for h := 0; h < 24; h++ {
		if counts[h] == 0 {
			continue
		}
		mean := sums[h] / counts[h]
		if mean > peakMean {
			peakMean, peak = mean, h
		}
		if mean < valleyMean {
			valleyMean, valley = mean, h
		}
	}
	return peak, valley
}

// Recommendation thresholds.
const (
	riseThresholdPct   = 10.0
	lowEfficiencyScore = 70
	nightShareOfMean   = 0.30
)

// recommend applies the advice rules in order. An empty result is never
// returned; a healthy window gets the keep-it-up line.
func recommend(window source.Window, sum Summary) []Recommendation {
	var recs []Recommendation

	if !math.IsNaN(sum.ChangePct) && sum.ChangePct > riseThresholdPct {
		recs = append(recs, Recommendation{
			Title: "Curb rising consumption",
			Detail: fmt.Sprintf("Consumption rose %.1f%% versus the previous period. "+
				"Check appliances that may be drawing more than usual, especially during evening peak hours.", sum.ChangePct),
			Savings: "up to 15% per period",
		})
	}

	if sum.EfficiencyScore < lowEfficiencyScore {
		recs = append(recs, Recommendation{
			Title: "Improve energy efficiency",
			Detail: fmt.Sprintf("Efficiency score is %d/100: consumption is concentrated in spikes. "+
				"Consider spreading heavy loads across the day or replacing ageing appliances.", sum.EfficiencyScore),
			Savings: "up to 20% per period",
		})
	}

	if night, overall := nightAndOverallMeans(window); overall > 0 && night > overall*nightShareOfMean {
		recs = append(recs, Recommendation{
			Title: "Reduce overnight base load",
			Detail: "Significant consumption between 00:00 and 05:00. " +
				"Check for equipment left running overnight such as water heaters or exterior lighting.",
			Savings: "up to 10% per period",
		})
	}

	if sum.Anomalies.Critical > 0 {
		recs = append(recs, Recommendation{
			Title: "Investigate critical anomalies",
			Detail: fmt.Sprintf("%d critical anomalies were confirmed in this period (max %.2f kW). "+
				"Review the anomaly log and inspect the affected circuits.", sum.Anomalies.Critical, sum.Anomalies.MaxPowerKW),
		})
	}

	if len(recs) == 0 {
		recs = append(recs, Recommendation{
			Title:  "Keep up the good habits",
			Detail: "Consumption is within its usual range and no critical anomalies were confirmed.",
		})
	}
	return recs
}

// nightAndOverallMeans returns the mean power between 00:00 and 05:59
// and over the whole window.
func nightAndOverallMeans(window source.Window) (float64, float64) {
	var nightSum, nightN, totalSum, totalN float64
	for _, r := range window.Readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		totalSum += r.ActivePowerKW
		totalN++
		if h := r.Timestamp.UTC().Hour(); h < 6 {
			nightSum += r.ActivePowerKW
			nightN++
		}
	}
	if nightN == 0 || totalN == 0 {
		return 0, 0
	}
	return nightSum / nightN, totalSum / totalN
}

func validPowers(window source.Window) []float64 {
	out := make([]float64, 0, window.Len())
	for _, r := range window.Readings {
		if !source.IsMissing(r.ActivePowerKW) {
			out = append(out, r.ActivePowerKW)
		}
	}
	return out
}

func floatsSum(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
