package detect

import (
	"math"
	"time"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/source"
)

// highRelativeFactor marks consumption at a multiple of the expected
// draw as high even below the absolute threshold.
const highRelativeFactor = 2.0

// derivedCurrentFloorA keeps the relative current check stable at low
// draws where the metered current is a fraction of an ampere.
const derivedCurrentFloorA = 1.0

// classificationRule pairs a category with its predicate.
type classificationRule struct {
	category Category
	applies  func(v Verdict, runSpan time.Duration, sev config.SeverityConfig) bool
}

// rules is the ordered classification table evaluated on confirmed
// anomalies; the first match wins. sensor_fault precedes the
// consumption categories because a physics violation invalidates them.
var rules = []classificationRule{
	{CategorySensorFault, func(v Verdict, _ time.Duration, sev config.SeverityConfig) bool {
		return physicsViolated(v.Reading, sev)
	}},
	{CategoryHighConsumption, func(v Verdict, _ time.Duration, sev config.SeverityConfig) bool {
		x := v.Reading.ActivePowerKW
		if x >= sev.HighPowerKW {
			return true
		}
		return v.Expected >= sev.IdlePowerKW && x >= highRelativeFactor*v.Expected
	}},
	{CategoryLowConsumption, func(v Verdict, runSpan time.Duration, sev config.SeverityConfig) bool {
		return v.Reading.ActivePowerKW <= sev.LowPowerKW && runSpan >= sev.Sustained
	}},
	{CategoryTransient, func(Verdict, time.Duration, config.SeverityConfig) bool {
		return true
	}},
}

func classify(v Verdict, runSpan time.Duration, sev config.SeverityConfig) Category {
	for _, rule := range rules {
		if rule.applies(v, runSpan, sev) {
			return rule.category
		}
	}
	return CategoryTransient
}

// physicsViolated checks reading self-consistency: negative power,
// voltage outside the nominal band, or metered current disagreeing with
// the current derived from power and voltage.
func physicsViolated(r source.Reading, sev config.SeverityConfig) bool {
	p := r.ActivePowerKW
	if !source.IsMissing(p) && p < -sev.SensorToleranceKW {
		return true
	}
	if v := r.VoltageV; !source.IsMissing(v) && (v < sev.VoltageBandLow || v > sev.VoltageBandHigh) {
		return true
	}
	v, amps := r.VoltageV, r.IntensityA
	if source.IsMissing(p) || source.IsMissing(v) || source.IsMissing(amps) || v <= 0 {
		return false
	}
	derived := p * 1000 / v
	base := math.Abs(amps)
	if base < derivedCurrentFloorA {
		base = derivedCurrentFloorA
	}
	return math.Abs(derived-amps)/base > sev.CurrentTolerance
}
