package source

import (
	"context"
	"math"
	"time"
)

// Reading is a single metered observation. Missing measurements are NaN.
type Reading struct {
	Timestamp       time.Time `json:"timestamp"`
	ActivePowerKW   float64   `json:"active_power_kw"`
	ReactivePowerKW float64   `json:"reactive_power_kw"`
	VoltageV        float64   `json:"voltage_v"`
	IntensityA      float64   `json:"intensity_a"`
	SubMetering1    float64   `json:"sub_metering_1"`
	SubMetering2    float64   `json:"sub_metering_2"`
	SubMetering3    float64   `json:"sub_metering_3"`
}

// Window is an ordered, finite sequence of readings bound to [Start, End).
// It is created per job invocation and owned exclusively by the caller.
type Window struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Readings []Reading `json:"readings"`
}

// Adapter returns ordered readings for a time window. An empty window is
// a valid answer; adapters raise only on connectivity failure.
type Adapter interface {
	FetchWindow(ctx context.Context, start, end time.Time) (Window, error)
}

// Len returns the number of readings in the window.
func (w Window) Len() int { return len(w.Readings) }

// Empty reports whether the window holds no readings.
func (w Window) Empty() bool { return len(w.Readings) == 0 }

// Powers extracts the active power series.
func (w Window) Powers() []float64 {
	out := make([]float64, len(w.Readings))
	for i, r := range w.Readings {
		out[i] = r.ActivePowerKW
	}
	return out
}

// Ordered reports whether timestamps are strictly increasing.
func (w Window) Ordered() bool {
	for i := 1; i < len(w.Readings); i++ {
		if !w.Readings[i].Timestamp.After(w.Readings[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// IsMissing reports whether a measurement value is absent.
func IsMissing(v float64) bool { return math.IsNaN(v) }
