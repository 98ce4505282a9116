package model

import (
	"sort"
	"time"

	"energy-anomaly-alerts/internal/source"
)

// HoursPerWeek is the number of hour-of-week buckets in a seasonal profile.
const HoursPerWeek = 7 * 24

// HourlySample is one hour of resampled consumption.
type HourlySample struct {
	Hour    time.Time `json:"hour"`
	PowerKW float64   `json:"power_kw"`
}

// HourOfWeek maps a timestamp to its seasonal bucket, Monday 00:00 being zero.
func HourOfWeek(t time.Time) int {
	t = t.UTC()
	day := (int(t.Weekday()) + 6) % 7
	return day*24 + t.Hour()
}

// HourlyMeans resamples minute readings into hourly mean power samples.
// Hours without a single present measurement are dropped.
func HourlyMeans(readings []source.Reading) []HourlySample {
	type acc struct {
		sum float64
		n   int
	}
	buckets := make(map[time.Time]*acc, len(readings)/60+1)
	for _, r := range readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		hour := r.Timestamp.UTC().Truncate(time.Hour)
		a := buckets[hour]
		if a == nil {
			a = &acc{}
			buckets[hour] = a
		}
		a.sum += r.ActivePowerKW
		a.n++
	}

	samples := make([]HourlySample, 0, len(buckets))
	for hour, a := range buckets {
		samples = append(samples, HourlySample{Hour: hour, PowerKW: a.sum / float64(a.n)})
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Hour.Before(samples[j].Hour) })
	return samples
}
