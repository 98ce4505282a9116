package quality

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/source"
)

var qualityStart = time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)

func testChecker() *Checker {
	training := config.TrainingConfig{
		MinDays:           1,
		MaxNullRatio:      0.05,
		MaxOutlierRatio:   0.02,
		MaxGap:            6 * time.Hour,
		ClipIQRMultiplier: 3.0,
	}
	sev := config.SeverityConfig{
		VoltageCriticalLow:  200,
		VoltageCriticalHigh: 260,
		CriticalPowerKW:     10,
	}
	return NewChecker(training, sev, zerolog.Nop())
}

func minuteWindow(n int, step time.Duration, power func(i int) float64) source.Window {
	readings := make([]source.Reading, n)
	for i := range readings {
		p := power(i)
		readings[i] = source.Reading{
			Timestamp:     qualityStart.Add(time.Duration(i) * step),
			ActivePowerKW: p,
			VoltageV:      230,
			IntensityA:    p * 1000 / 230,
		}
	}
	return source.Window{
		Start:    qualityStart,
		End:      qualityStart.Add(time.Duration(n) * step),
		Readings: readings,
	}
}

func steadyPower(i int) float64 {
	return 1.0 + 0.02*math.Sin(float64(i)/30)
}

func TestValidateCleanWindow(t *testing.T) {
	c := testChecker()
	window := minuteWindow(2*24*60, time.Minute, steadyPower)

	report, err := c.Validate(window)
	if err != nil {
		t.Fatalf("Validate returned %v, want nil", err)
	}
	if report.Readings != window.Len() {
		t.Fatalf("report.Readings = %d, want %d", report.Readings, window.Len())
	}
	if report.SpanDays < 1.9 || report.SpanDays > 2.1 {
		t.Fatalf("report.SpanDays = %.2f, want about 2", report.SpanDays)
	}
	if report.NullRatio != 0 {
		t.Fatalf("report.NullRatio = %.3f, want 0", report.NullRatio)
	}
}

func TestValidateTooFewReadings(t *testing.T) {
	c := testChecker()
	window := minuteWindow(100, time.Minute, steadyPower)

	_, err := c.Validate(window)
	var ins *faults.InsufficientDataError
	if !errors.As(err, &ins) {
		t.Fatalf("Validate returned %v, want InsufficientDataError", err)
	}
	if ins.Got != 100 || ins.Need != 1440 {
		t.Fatalf("InsufficientDataError = %d/%d, want 100/1440", ins.Got, ins.Need)
	}
}

func TestValidateShortCoverage(t *testing.T) {
	c := testChecker()
	// Enough readings, but packed into half a day.
	window := minuteWindow(1500, 30*time.Second, steadyPower)

	_, err := c.Validate(window)
	var dq *faults.DataQualityError
	if !errors.As(err, &dq) {
		t.Fatalf("Validate returned %v, want DataQualityError", err)
	}
}

func TestValidateNullRatio(t *testing.T) {
	c := testChecker()
	window := minuteWindow(2*24*60, time.Minute, func(i int) float64 {
		if i%10 == 0 {
			return math.NaN()
		}
		return steadyPower(i)
	})

	_, err := c.Validate(window)
	var dq *faults.DataQualityError
	if !errors.As(err, &dq) {
		t.Fatalf("Validate returned %v, want DataQualityError", err)
	}
}

func TestValidateOutlierRatio(t *testing.T) {
	c := testChecker()
	// Five percent of the readings spike far above the rest, which is
	// past the configured two percent tolerance.
	window := minuteWindow(2*24*60, time.Minute, func(i int) float64 {
		if i%20 == 0 {
			return 10.0
		}
		return steadyPower(i)
	})

	_, err := c.Validate(window)
	var dq *faults.DataQualityError
	if !errors.As(err, &dq) {
		t.Fatalf("Validate returned %v, want DataQualityError", err)
	}
}

func TestValidateLargestGap(t *testing.T) {
	c := testChecker()
	window := minuteWindow(3*24*60, time.Minute, steadyPower)
	for i := 2000; i < window.Len(); i++ {
		window.Readings[i].Timestamp = window.Readings[i].Timestamp.Add(7 * time.Hour)
	}

	_, err := c.Validate(window)
	var dq *faults.DataQualityError
	if !errors.As(err, &dq) {
		t.Fatalf("Validate returned %v, want DataQualityError", err)
	}
}

func TestPreprocessFillsClipsAndClamps(t *testing.T) {
	c := testChecker()
	window := minuteWindow(100, time.Minute, func(i int) float64 {
		if i%2 == 0 {
			return 0.5
		}
		return 4.5
	})
	window.Readings[0].ActivePowerKW = math.NaN()
	window.Readings[10].ActivePowerKW = math.NaN()
	window.Readings[11].ActivePowerKW = math.NaN()
	window.Readings[50].ActivePowerKW = 100.0
	window.Readings[60].ActivePowerKW = -5.0
	window.Readings[70].VoltageV = 150
	window.Readings[71].VoltageV = 300

	out, stats := c.Preprocess(window)

	if stats.Filled != 3 {
		t.Fatalf("stats.Filled = %d, want 3", stats.Filled)
	}
	if got := out.Readings[0].ActivePowerKW; got != 4.5 {
		t.Fatalf("leading gap backward-filled to %.2f, want 4.5", got)
	}
	if got := out.Readings[10].ActivePowerKW; got != 4.5 {
		t.Fatalf("readings[10] forward-filled to %.2f, want 4.5", got)
	}

	// Q1 0.5, Q3 4.5, wide clip band [-11.5, 16.5]: the 100 kW spike is
	// pulled down and the negative value survives clipping.
	if stats.Clipped != 1 {
		t.Fatalf("stats.Clipped = %d, want 1", stats.Clipped)
	}
	if got := out.Readings[50].ActivePowerKW; got != 16.5 {
		t.Fatalf("readings[50] clipped to %.2f, want 16.5", got)
	}

	if stats.Clamped != 3 {
		t.Fatalf("stats.Clamped = %d, want 3", stats.Clamped)
	}
	if got := out.Readings[60].ActivePowerKW; got != 0 {
		t.Fatalf("readings[60] clamped to %.2f, want 0", got)
	}
	if got := out.Readings[70].VoltageV; got != 200 {
		t.Fatalf("readings[70] voltage clamped to %.1f, want 200", got)
	}
	if got := out.Readings[71].VoltageV; got != 260 {
		t.Fatalf("readings[71] voltage clamped to %.1f, want 260", got)
	}

	if !math.IsNaN(window.Readings[0].ActivePowerKW) {
		t.Fatal("Preprocess modified its input window")
	}
}

func TestPreprocessRestoresOrder(t *testing.T) {
	c := testChecker()
	window := minuteWindow(10, time.Minute, steadyPower)
	window.Readings[2], window.Readings[7] = window.Readings[7], window.Readings[2]

	out, _ := c.Preprocess(window)
	if !out.Ordered() {
		t.Fatal("Preprocess output is not ordered by timestamp")
	}
}

func TestPreprocessAllMissingLeftUntouched(t *testing.T) {
	c := testChecker()
	window := minuteWindow(10, time.Minute, func(int) float64 { return math.NaN() })

	out, stats := c.Preprocess(window)
	if stats.Filled != 0 {
		t.Fatalf("stats.Filled = %d, want 0", stats.Filled)
	}
	for i, r := range out.Readings {
		if !math.IsNaN(r.ActivePowerKW) {
			t.Fatalf("readings[%d] = %.2f, want NaN", i, r.ActivePowerKW)
		}
	}
}
