package detect

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/model"
	"energy-anomaly-alerts/internal/source"
)

// Method identifiers, in vote order.
const (
	MethodIQR           = "iqr"
	MethodZScore        = "zscore"
	MethodIsolation     = "isolation_forest"
	MethodMovingAverage = "moving_average"
	MethodForecast      = "forecast_residual"
)

// Category labels a confirmed anomaly.
type Category string

const (
	CategoryNone            Category = ""
	CategorySensorFault     Category = "sensor_fault"
	CategoryHighConsumption Category = "high_consumption"
	CategoryLowConsumption  Category = "low_consumption"
	CategoryTransient       Category = "transient"
)

// Tier buckets a severity score. Notification policy keys off the tier,
// not the category.
type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierCritical Tier = "CRITICAL"
)

func tierRank(t Tier) int {
	switch t {
	case TierCritical:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// TierAtLeast reports whether tier meets the given minimum.
func TierAtLeast(tier, min Tier) bool {
	return tierRank(tier) >= tierRank(min)
}

// ParseTier normalises a tier name from configuration.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return TierLow, nil
	case "MEDIUM":
		return TierMedium, nil
	case "CRITICAL":
		return TierCritical, nil
	}
	return TierLow, fmt.Errorf("invalid severity tier %q", s)
}

// Models are the production artifacts a detection run reads. A nil
// model makes its method abstain rather than vote.
type Models struct {
	Forecaster *model.Forecaster
	Outlier    *model.IsolationForest
	Version    string
}

// Verdict is the outcome for a single reading index. Methods lists the
// detectors that voted, in vote order.
type Verdict struct {
	Index        int            `json:"index"`
	Reading      source.Reading `json:"reading"`
	Methods      []string       `json:"methods,omitempty"`
	Votes        int            `json:"votes"`
	Consensus    bool           `json:"consensus"`
	Category     Category       `json:"category,omitempty"`
	Score        float64        `json:"score"`
	Tier         Tier           `json:"tier,omitempty"`
	Expected     float64        `json:"expected"`
	DeviationPct float64        `json:"deviation_pct"`
}

// DetectionResult is the tagged outcome of one engine run.
type DetectionResult struct {
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	Readings     int       `json:"readings"`
	ModelVersion string    `json:"model_version,omitempty"`
	Verdicts     []Verdict `json:"verdicts"`
}

// Confirmed returns only the consensus-true verdicts.
func (r DetectionResult) Confirmed() []Verdict {
	out := make([]Verdict, 0)
	for _, v := range r.Verdicts {
		if v.Consensus {
			out = append(out, v)
		}
	}
	return out
}

// MaxTier returns the highest severity tier among confirmed verdicts,
// or TierLow when nothing was confirmed.
func (r DetectionResult) MaxTier() Tier {
	max := TierLow
	for _, v := range r.Verdicts {
		if v.Consensus && tierRank(v.Tier) > tierRank(max) {
			max = v.Tier
		}
	}
	return max
}

// Engine reduces five independent detectors to consensus verdicts.
// Requiring several methods to agree trades recall for a much lower
// false-positive rate; the default of 3 of 5 should not be retuned
// without data.
type Engine struct {
	det    config.DetectionConfig
	sev    config.SeverityConfig
	logger zerolog.Logger
}

// NewEngine builds an engine from detection and severity settings.
func NewEngine(det config.DetectionConfig, sev config.SeverityConfig, logger zerolog.Logger) *Engine {
	return &Engine{
		det:    det,
		sev:    sev,
		logger: logger.With().Str("component", "detect").Logger(),
	}
}

// Detect evaluates a window against the production models and returns a
// verdict per reading index. Windows below the minimum size yield an
// InsufficientDataError and no verdicts.
func (e *Engine) Detect(window source.Window, models Models) (DetectionResult, error) {
	n := window.Len()
	if n < e.det.MinReadings {
		return DetectionResult{}, &faults.InsufficientDataError{Got: n, Need: e.det.MinReadings}
	}

	powers := window.Powers()

	votes := make([][]string, n)
	mark := func(method string, flags []bool) {
		for i, hit := range flags {
			if hit {
				votes[i] = append(votes[i], method)
			}
		}
	}

	mark(MethodIQR, iqrFlags(powers, e.det.IQR.Multiplier))
	mark(MethodZScore, zscoreFlags(powers, e.det.ZScore.Threshold))
	if models.Outlier != nil {
		mark(MethodIsolation, isolationFlags(window.Readings, models.Outlier))
	}
	mark(MethodMovingAverage, movingAverageFlags(powers, e.det.MovingAverage.Window, e.det.MovingAverage.Threshold))
	if models.Forecaster != nil {
		mark(MethodForecast, forecastFlags(window.Readings, models.Forecaster, e.det.Forecast.Threshold))
	}

	expected := baselineFunc(powers, models.Forecaster)

	verdicts := make([]Verdict, n)
	for i := range verdicts {
		exp := expected(window.Readings[i])
		verdicts[i] = Verdict{
			Index:        i,
			Reading:      window.Readings[i],
			Methods:      votes[i],
			Votes:        len(votes[i]),
			Consensus:    len(votes[i]) >= e.det.ConsensusThreshold,
			Expected:     exp,
			DeviationPct: deviationPct(powers[i], exp),
		}
	}

	spans := confirmedRuns(verdicts, window.Readings)
	confirmed := 0
	for i := range verdicts {
		if !verdicts[i].Consensus {
			continue
		}
		confirmed++
		if e.det.Classify {
			verdicts[i].Category = classify(verdicts[i], spans[i], e.sev)
		}
		verdicts[i].Score, verdicts[i].Tier = severityScore(verdicts[i], spans[i], e.det.ConsensusThreshold, e.sev)
	}

	e.logger.Debug().
		Int("readings", n).
		Int("confirmed", confirmed).
		Str("model_version", models.Version).
		Msg("detection run complete")

	return DetectionResult{
		WindowStart:  window.Start,
		WindowEnd:    window.End,
		Readings:     n,
		ModelVersion: models.Version,
		Verdicts:     verdicts,
	}, nil
}

// confirmedRuns returns, per index, the time span of the consecutive
// confirmed run containing it. Unconfirmed indexes get zero.
func confirmedRuns(verdicts []Verdict, readings []source.Reading) []time.Duration {
	spans := make([]time.Duration, len(verdicts))
	for i := 0; i < len(verdicts); {
		if !verdicts[i].Consensus {
			i++
			continue
		}
		j := i
		for j+1 < len(verdicts) && verdicts[j+1].Consensus {
			j++
		}
		span := readings[j].Timestamp.Sub(readings[i].Timestamp)
		for k := i; k <= j; k++ {
			spans[k] = span
		}
		i = j + 1
	}
	return spans
}

func baselineFunc(powers []float64, f *model.Forecaster) func(source.Reading) float64 {
	if f != nil {
		return func(r source.Reading) float64 { return f.Predict(r.Timestamp) }
	}
	med := validMedian(powers)
	return func(source.Reading) float64 { return med }
}
