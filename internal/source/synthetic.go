package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Profile shapes the synthetic household load curve.
type Profile struct {
	Name        string
	BaseKW      float64
	MorningKW   float64
	DayKW       float64
	EveningKW   float64
	NoiseKW     float64
	AnomalyRate float64
}

// Household profiles by dwelling size.
var profiles = map[string]Profile{
	"small":  {Name: "small", BaseKW: 0.15, MorningKW: 1.2, DayKW: 0.5, EveningKW: 2.0, NoiseKW: 0.08},
	"medium": {Name: "medium", BaseKW: 0.25, MorningKW: 2.0, DayKW: 0.8, EveningKW: 3.5, NoiseKW: 0.12},
	"large":  {Name: "large", BaseKW: 0.40, MorningKW: 3.0, DayKW: 1.2, EveningKW: 5.5, NoiseKW: 0.18},
}

// ProfileByName resolves a profile, defaulting to medium.
func ProfileByName(name string) (Profile, error) {
	if name == "" {
		return profiles["medium"], nil
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("unknown consumption profile %q", name)
	}
	return p, nil
}

// SyntheticOptions parameterise the generator.
type SyntheticOptions struct {
	Profile     Profile
	Seed        int64
	Step        time.Duration
	AnomalyRate float64
}

// Synthetic produces a deterministic minute-cadence household load curve:
// a base level, gaussian morning and evening peaks shifted on weekends,
// seeded noise, and an optional sprinkling of injected anomalies.
// The value at a timestamp depends only on the timestamp, the profile and
// the seed, so overlapping windows agree with each other.
type Synthetic struct {
	opts   SyntheticOptions
	logger zerolog.Logger
}

// NewSynthetic constructs the generator adapter.
func NewSynthetic(opts SyntheticOptions, logger zerolog.Logger) *Synthetic {
	if opts.Profile.Name == "" {
		opts.Profile = profiles["medium"]
	}
	if opts.Step <= 0 {
		opts.Step = time.Minute
	}
	return &Synthetic{
		opts:   opts,
		logger: logger.With().Str("component", "source_synthetic").Logger(),
	}
}

// FetchWindow generates readings for [start, end).
func (s *Synthetic) FetchWindow(ctx context.Context, start, end time.Time) (Window, error) {
	window := Window{Start: start, End: end}
	if !start.Before(end) {
		return window, nil
	}

	for ts := start.UTC().Truncate(s.opts.Step); ts.Before(end); ts = ts.Add(s.opts.Step) {
		if err := ctx.Err(); err != nil {
			return window, err
		}
		if ts.Before(start) {
			continue
		}
		window.Readings = append(window.Readings, s.At(ts))
	}

	s.logger.Debug().Int("readings", len(window.Readings)).Msg("synthetic window generated")
	return window, nil
}

// At computes the reading for a single timestamp.
func (s *Synthetic) At(ts time.Time) Reading {
	ts = ts.UTC()
	p := s.opts.Profile
	rng := rand.New(rand.NewSource(s.opts.Seed ^ ts.Unix()/60))

	power := p.BaseKW + s.shape(ts)
	power += (rng.Float64()*2 - 1) * p.NoiseKW
	if power < 0.05 {
		power = 0.05
	}

	rate := s.opts.AnomalyRate
	if rate == 0 {
		rate = p.AnomalyRate
	}
	if rate > 0 && rng.Float64() < rate {
		power = p.EveningKW * (2.0 + rng.Float64())
	}

	voltage := 230.0 + 4.0*math.Sin(float64(ts.Unix())/3600.0) + (rng.Float64()*2-1)*1.5
	intensity := power * 1000.0 / voltage

	// Sub-metering split: kitchen, laundry, water heater take
	// shrinking shares; the remainder is unmetered load.
	wh := power * 1000.0 / 60.0
	return Reading{
		Timestamp:       ts,
		ActivePowerKW:   round3(power),
		ReactivePowerKW: round3(power * 0.12),
		VoltageV:        round2(voltage),
		IntensityA:      round2(intensity),
		SubMetering1:    round1(wh * 0.30),
		SubMetering2:    round1(wh * 0.20),
		SubMetering3:    round1(wh * 0.25),
	}
}

// shape adds gaussian morning and evening peaks plus a flat day
// component. Weekend mornings start later and evenings run higher.
func (s *Synthetic) shape(ts time.Time) float64 {
	p := s.opts.Profile
	hour := float64(ts.Hour()) + float64(ts.Minute())/60.0
	weekend := ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday

	morningPeak, eveningPeak := 7.0, 20.0
	morningAmp, eveningAmp := p.MorningKW, p.EveningKW
	if weekend {
		morningPeak, eveningPeak = 10.0, 21.0
		morningAmp *= 0.7
		eveningAmp *= 1.1
	}

	value := gaussian(hour, morningPeak, 1.5)*morningAmp + gaussian(hour, eveningPeak, 2.5)*eveningAmp
	if hour >= 9 && hour < 18 {
		value += p.DayKW * 0.5
	}
	return value
}

func gaussian(x, mean, sigma float64) float64 {
	d := x - mean
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

var _ Adapter = (*Synthetic)(nil)
