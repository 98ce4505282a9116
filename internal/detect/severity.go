package detect

import (
	"math"
	"time"

	"energy-anomaly-alerts/internal/config"
)

// Score weights. Magnitude saturates at twice the expected draw,
// duration at the sustained threshold, votes at a full house.
const (
	magnitudeCap = 60.0
	durationCap  = 25.0
	votesCap     = 15.0

	criticalFloor = 80.0
	mediumFloor   = 50.0
)

// severityScore combines deviation magnitude, run duration and vote
// surplus into a 0-100 score, then buckets it into a tier. Physics
// violations and sustained draws at the critical power level are
// floored into CRITICAL.
func severityScore(v Verdict, runSpan time.Duration, threshold int, sev config.SeverityConfig) (float64, Tier) {
	relDev := math.Abs(v.DeviationPct) / 100

	score := math.Min(magnitudeCap, relDev*magnitudeCap/2)
	if sev.Sustained > 0 {
		score += math.Min(durationCap, durationCap*float64(runSpan)/float64(sev.Sustained))
	}
	surplus := v.Votes - threshold
	if surplus < 0 {
		surplus = 0
	}
	score += math.Min(votesCap, float64(surplus+1)*5)

	if physicsViolated(v.Reading, sev) {
		score = math.Max(score, criticalFloor)
	}
	if v.Reading.ActivePowerKW >= sev.CriticalPowerKW && runSpan >= sev.Sustained {
		score = math.Max(score, criticalFloor)
	}
	if score > 100 {
		score = 100
	}

	switch {
	case score >= criticalFloor:
		return score, TierCritical
	case score >= mediumFloor:
		return score, TierMedium
	default:
		return score, TierLow
	}
}
