package model

import (
	"errors"
	"time"

	"gonum.org/v1/gonum/stat"

	"energy-anomaly-alerts/internal/source"
)

// ErrTooFewSamples indicates the training window resampled to fewer
// hourly points than a model needs.
var ErrTooFewSamples = errors.New("model: too few hourly samples")

// Forecaster predicts expected household power draw for a timestamp.
// It combines an hour-of-week seasonal profile with a linear trend
// fitted on the seasonal residuals.
type Forecaster struct {
	TrainedAt      time.Time `json:"trained_at"`
	Seasonal       []float64 `json:"seasonal"`
	OverallMean    float64   `json:"overall_mean"`
	TrendOrigin    time.Time `json:"trend_origin"`
	TrendIntercept float64   `json:"trend_intercept"`
	TrendSlope     float64   `json:"trend_slope"`
}

// TrainForecaster fits a forecaster on minute readings. The window must
// cover at least one full week of hourly samples.
func TrainForecaster(readings []source.Reading, now time.Time) (*Forecaster, error) {
	hourly := HourlyMeans(readings)
	if len(hourly) < HoursPerWeek {
		return nil, ErrTooFewSamples
	}

	var total float64
	for _, s := range hourly {
		total += s.PowerKW
	}
	overall := total / float64(len(hourly))

	sums := make([]float64, HoursPerWeek)
	counts := make([]int, HoursPerWeek)
	for _, s := range hourly {
		bucket := HourOfWeek(s.Hour)
		sums[bucket] += s.PowerKW
		counts[bucket]++
	}
	seasonal := make([]float64, HoursPerWeek)
	for i := range seasonal {
		if counts[i] == 0 {
			seasonal[i] = overall
			continue
		}
		seasonal[i] = sums[i] / float64(counts[i])
	}

	origin := hourly[0].Hour
	xs := make([]float64, len(hourly))
	residuals := make([]float64, len(hourly))
	for i, s := range hourly {
		xs[i] = s.Hour.Sub(origin).Hours()
		residuals[i] = s.PowerKW - seasonal[HourOfWeek(s.Hour)]
	}
	intercept, slope := stat.LinearRegression(xs, residuals, nil, false)

	return &Forecaster{
		TrainedAt:      now.UTC(),
		Seasonal:       seasonal,
		OverallMean:    overall,
		TrendOrigin:    origin,
		TrendIntercept: intercept,
		TrendSlope:     slope,
	}, nil
}

// Predict returns the expected power in kW at ts. Predictions are
// clamped at zero.
func (f *Forecaster) Predict(ts time.Time) float64 {
	base := f.OverallMean
	if len(f.Seasonal) == HoursPerWeek {
		base = f.Seasonal[HourOfWeek(ts)]
	}
	hours := ts.UTC().Sub(f.TrendOrigin).Hours()
	p := base + f.TrendIntercept + f.TrendSlope*hours
	if p < 0 {
		return 0
	}
	return p
}

// Evaluate scores the forecaster against hourly samples.
func (f *Forecaster) Evaluate(samples []HourlySample) (Metrics, error) {
	if len(samples) == 0 {
		return Metrics{}, ErrTooFewSamples
	}
	actual := make([]float64, len(samples))
	predicted := make([]float64, len(samples))
	for i, s := range samples {
		actual[i] = s.PowerKW
		predicted[i] = f.Predict(s.Hour)
	}
	return Evaluate(actual, predicted)
}
