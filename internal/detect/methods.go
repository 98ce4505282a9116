package detect

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"energy-anomaly-alerts/internal/model"
	"energy-anomaly-alerts/internal/source"
)

// relEpsilon floors relative-deviation denominators.
const relEpsilon = 1e-8

// minBaselineKW floors the expected draw when expressing deviations for
// scoring, so idle periods do not produce absurd percentages.
const minBaselineKW = 0.1

func validValues(powers []float64) []float64 {
	out := make([]float64, 0, len(powers))
	for _, x := range powers {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}

func validMedian(powers []float64) float64 {
	valid := validValues(powers)
	if len(valid) == 0 {
		return 0
	}
	sort.Float64s(valid)
	return stat.Quantile(0.5, stat.LinInterp, valid, nil)
}

// deviationPct is the signed relative deviation from expected, in percent.
func deviationPct(x, expected float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	denom := math.Abs(expected)
	if denom < minBaselineKW {
		denom = minBaselineKW
	}
	return (x - expected) / denom * 100
}

// iqrFlags marks readings outside [Q1 - k*IQR, Q3 + k*IQR].
func iqrFlags(powers []float64, k float64) []bool {
	flags := make([]bool, len(powers))
	valid := validValues(powers)
	if len(valid) < 4 {
		return flags
	}
	sort.Float64s(valid)
	q1 := stat.Quantile(0.25, stat.LinInterp, valid, nil)
	q3 := stat.Quantile(0.75, stat.LinInterp, valid, nil)
	spread := q3 - q1
	lo, hi := q1-k*spread, q3+k*spread
	for i, x := range powers {
		if math.IsNaN(x) {
			continue
		}
		flags[i] = x < lo || x > hi
	}
	return flags
}

// zscoreFlags marks readings beyond threshold standard deviations of
// the window mean. A flat window yields no flags.
func zscoreFlags(powers []float64, threshold float64) []bool {
	flags := make([]bool, len(powers))
	valid := validValues(powers)
	if len(valid) < 2 {
		return flags
	}
	mean, std := stat.MeanStdDev(valid, nil)
	if std == 0 || math.IsNaN(std) {
		return flags
	}
	for i, x := range powers {
		if math.IsNaN(x) {
			continue
		}
		flags[i] = math.Abs(x-mean)/std > threshold
	}
	return flags
}

// isolationFlags applies the trained outlier model per reading.
func isolationFlags(readings []source.Reading, forest *model.IsolationForest) []bool {
	flags := make([]bool, len(readings))
	for i, r := range readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		flags[i] = forest.IsOutlier(r)
	}
	return flags
}

// movingAverageFlags compares each reading to the trailing rolling mean,
// current value included. Missing values neither vote nor contribute to
// the mean.
func movingAverageFlags(powers []float64, window int, threshold float64) []bool {
	flags := make([]bool, len(powers))
	if window <= 1 {
		return flags
	}

	sums := make([]float64, len(powers)+1)
	counts := make([]int, len(powers)+1)
	for i, x := range powers {
		sums[i+1] = sums[i]
		counts[i+1] = counts[i]
		if !math.IsNaN(x) {
			sums[i+1] += x
			counts[i+1]++
		}
	}

	for i, x := range powers {
		if math.IsNaN(x) {
			continue
		}
		lo := i + 1 - window
		if lo < 0 {
			lo = 0
		}
		c := counts[i+1] - counts[lo]
		if c == 0 {
			continue
		}
		ma := (sums[i+1] - sums[lo]) / float64(c)
		denom := ma
		if denom < relEpsilon {
			denom = relEpsilon
		}
		flags[i] = math.Abs(x-ma)/denom > threshold
	}
	return flags
}

// forecastFlags marks readings whose relative residual against the
// point forecast exceeds the threshold.
func forecastFlags(readings []source.Reading, f *model.Forecaster, threshold float64) []bool {
	flags := make([]bool, len(readings))
	for i, r := range readings {
		if source.IsMissing(r.ActivePowerKW) {
			continue
		}
		predicted := f.Predict(r.Timestamp)
		denom := predicted
		if denom < relEpsilon {
			denom = relEpsilon
		}
		flags[i] = math.Abs(r.ActivePowerKW-predicted)/denom > threshold
	}
	return flags
}
