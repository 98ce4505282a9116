package quality

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/source"
)

// minutesPerDay converts the day-based training minimum into a reading
// count at the native 1-minute cadence.
const minutesPerDay = 24 * 60

// validateSigma is the z distance beyond which a reading counts toward
// the outlier ratio. Distinct from the detection threshold on purpose.
const validateSigma = 3.0

// Report summarises what Validate measured.
type Report struct {
	Readings     int           `json:"readings"`
	SpanDays     float64       `json:"span_days"`
	NullRatio    float64       `json:"null_ratio"`
	OutlierRatio float64       `json:"outlier_ratio"`
	LargestGap   time.Duration `json:"largest_gap"`
}

// Stats counts what Preprocess changed.
type Stats struct {
	Filled  int `json:"filled"`
	Clipped int `json:"clipped"`
	Clamped int `json:"clamped"`
}

// Checker validates and cleans training windows.
type Checker struct {
	training config.TrainingConfig
	sev      config.SeverityConfig
	logger   zerolog.Logger
}

// NewChecker builds a checker from training and severity settings.
func NewChecker(training config.TrainingConfig, sev config.SeverityConfig, logger zerolog.Logger) *Checker {
	return &Checker{
		training: training,
		sev:      sev,
		logger:   logger.With().Str("component", "quality").Logger(),
	}
}

// Validate measures a training window and rejects it when it cannot
// support a reliable fit. Count shortfalls surface as
// InsufficientDataError, everything else as DataQualityError.
func (c *Checker) Validate(window source.Window) (Report, error) {
	report := Report{Readings: window.Len()}

	need := c.training.MinDays * minutesPerDay
	if window.Len() < need {
		return report, &faults.InsufficientDataError{Got: window.Len(), Need: need}
	}

	readings := window.Readings
	span := readings[len(readings)-1].Timestamp.Sub(readings[0].Timestamp)
	report.SpanDays = span.Hours() / 24
	if report.SpanDays < float64(c.training.MinDays) {
		return report, &faults.DataQualityError{
			Reason: fmt.Sprintf("coverage %.1f days below minimum %d", report.SpanDays, c.training.MinDays),
		}
	}

	nulls := 0
	valid := make([]float64, 0, len(readings))
	for _, r := range readings {
		if source.IsMissing(r.ActivePowerKW) {
			nulls++
			continue
		}
		valid = append(valid, r.ActivePowerKW)
	}
	report.NullRatio = float64(nulls) / float64(len(readings))
	if report.NullRatio > c.training.MaxNullRatio {
		return report, &faults.DataQualityError{
			Reason: fmt.Sprintf("null ratio %.3f exceeds %.2f", report.NullRatio, c.training.MaxNullRatio),
		}
	}

	if len(valid) > 1 {
		mean, std := stat.MeanStdDev(valid, nil)
		if std > 0 {
			outliers := 0
			for _, x := range valid {
				if math.Abs(x-mean)/std > validateSigma {
					outliers++
				}
			}
			report.OutlierRatio = float64(outliers) / float64(len(valid))
		}
	}
	if report.OutlierRatio > c.training.MaxOutlierRatio {
		return report, &faults.DataQualityError{
			Reason: fmt.Sprintf("outlier ratio %.3f exceeds %.2f", report.OutlierRatio, c.training.MaxOutlierRatio),
		}
	}

	for i := 1; i < len(readings); i++ {
		if gap := readings[i].Timestamp.Sub(readings[i-1].Timestamp); gap > report.LargestGap {
			report.LargestGap = gap
		}
	}
	if report.LargestGap > c.training.MaxGap {
		return report, &faults.DataQualityError{
			Reason: fmt.Sprintf("largest gap %s exceeds %s", report.LargestGap, c.training.MaxGap),
		}
	}

	c.warnSuspicious(readings)

	c.logger.Debug().
		Int("readings", report.Readings).
		Float64("span_days", report.SpanDays).
		Float64("null_ratio", report.NullRatio).
		Float64("outlier_ratio", report.OutlierRatio).
		Dur("largest_gap", report.LargestGap).
		Msg("training window validated")
	return report, nil
}

// warnSuspicious logs plausibility findings that do not invalidate the
// window on their own.
func (c *Checker) warnSuspicious(readings []source.Reading) {
	var voltSum float64
	voltN := 0
	maxPower := math.Inf(-1)
	for _, r := range readings {
		if !source.IsMissing(r.VoltageV) {
			voltSum += r.VoltageV
			voltN++
		}
		if !source.IsMissing(r.ActivePowerKW) && r.ActivePowerKW > maxPower {
			maxPower = r.ActivePowerKW
		}
	}
	if voltN > 0 {
		if mean := voltSum / float64(voltN); mean < c.sev.VoltageCriticalLow || mean > c.sev.VoltageCriticalHigh {
			c.logger.Warn().Float64("voltage_mean", mean).Msg("mean voltage outside plausible range")
		}
	}
	if maxPower > c.sev.CriticalPowerKW {
		c.logger.Warn().Float64("power_max_kw", maxPower).Msg("peak power above critical threshold")
	}
}

// Preprocess cleans a validated window: ordering, forward/backward fill
// of missing power, wide IQR clipping, and physical-range clamping. The
// input window is not modified.
func (c *Checker) Preprocess(window source.Window) (source.Window, Stats) {
	stats := Stats{}
	readings := make([]source.Reading, len(window.Readings))
	copy(readings, window.Readings)
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	stats.Filled = fillMissingPower(readings)

	valid := make([]float64, 0, len(readings))
	for _, r := range readings {
		if !source.IsMissing(r.ActivePowerKW) {
			valid = append(valid, r.ActivePowerKW)
		}
	}
	if len(valid) >= 4 {
		sort.Float64s(valid)
		q1 := stat.Quantile(0.25, stat.LinInterp, valid, nil)
		q3 := stat.Quantile(0.75, stat.LinInterp, valid, nil)
		spread := q3 - q1
		lo := q1 - c.training.ClipIQRMultiplier*spread
		hi := q3 + c.training.ClipIQRMultiplier*spread
		for i := range readings {
			x := readings[i].ActivePowerKW
			if source.IsMissing(x) {
				continue
			}
			if x < lo {
				readings[i].ActivePowerKW = lo
				stats.Clipped++
			} else if x > hi {
				readings[i].ActivePowerKW = hi
				stats.Clipped++
			}
		}
	}

	for i := range readings {
		if x := readings[i].ActivePowerKW; !source.IsMissing(x) && x < 0 {
			readings[i].ActivePowerKW = 0
			stats.Clamped++
		}
		v := readings[i].VoltageV
		if source.IsMissing(v) {
			continue
		}
		if v < c.sev.VoltageCriticalLow {
			readings[i].VoltageV = c.sev.VoltageCriticalLow
			stats.Clamped++
		} else if v > c.sev.VoltageCriticalHigh {
			readings[i].VoltageV = c.sev.VoltageCriticalHigh
			stats.Clamped++
		}
	}

	c.logger.Debug().
		Int("filled", stats.Filled).
		Int("clipped", stats.Clipped).
		Int("clamped", stats.Clamped).
		Msg("training window preprocessed")

	return source.Window{Start: window.Start, End: window.End, Readings: readings}, stats
}

// fillMissingPower forward-fills missing power values, then
// backward-fills any leading run. A window with no present value at all
// is left untouched.
func fillMissingPower(readings []source.Reading) int {
	filled := 0
	last := math.NaN()
	for i := range readings {
		if source.IsMissing(readings[i].ActivePowerKW) {
			if !math.IsNaN(last) {
				readings[i].ActivePowerKW = last
				filled++
			}
			continue
		}
		last = readings[i].ActivePowerKW
	}

	next := math.NaN()
	for i := len(readings) - 1; i >= 0; i-- {
		if source.IsMissing(readings[i].ActivePowerKW) {
			if !math.IsNaN(next) {
				readings[i].ActivePowerKW = next
				filled++
			}
			continue
		}
		next = readings[i].ActivePowerKW
	}
	return filled
}
