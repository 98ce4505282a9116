package alerting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/lifecycle"
)

// maxAlertLines caps the per-reading detail in an anomaly alert body.
const maxAlertLines = 8

// FormatAnomalyAlert 将一次扫描的确认结果渲染为告警消息。
func FormatAnomalyAlert(result detect.DetectionResult, runTier detect.Tier) Message {
	confirmed := result.Confirmed()

	maxPower := 0.0
	for _, v := range confirmed {
		if v.Reading.ActivePowerKW > maxPower {
			maxPower = v.Reading.ActivePowerKW
		}
	}

	b := strings.Builder{}
	b.WriteString("[Energy Anomaly Alert]\n")
	b.WriteString(fmt.Sprintf("Window: %s .. %s\n",
		result.WindowStart.UTC().Format(time.RFC3339), result.WindowEnd.UTC().Format(time.RFC3339)))
	if result.ModelVersion != "" {
		b.WriteString(fmt.Sprintf("Model: %s\n", result.ModelVersion))
	}
	b.WriteString(fmt.Sprintf("Confirmed: %d of %d readings\n", len(confirmed), result.Readings))
	b.WriteString(fmt.Sprintf("Max power: %.2f kW\n", maxPower))
	b.WriteString(fmt.Sprintf("Severity: %s\n", runTier))

	for i, v := range confirmed {
		if i == maxAlertLines {
			b.WriteString(fmt.Sprintf("... and %d more\n", len(confirmed)-maxAlertLines))
			break
		}
		b.WriteString(fmt.Sprintf(" - %s: %.2f kW (expected %.2f, %+.1f%%), votes %d [%s], %s, score %.0f, %s\n",
			v.Reading.Timestamp.UTC().Format("15:04"),
			v.Reading.ActivePowerKW,
			v.Expected,
			v.DeviationPct,
			v.Votes,
			strings.Join(v.Methods, " "),
			v.Category,
			v.Score,
			v.Tier,
		))
	}

	return Message{
		Kind:     KindAnomaly,
		Severity: string(runTier),
		Subject:  fmt.Sprintf("Energy anomaly: %d confirmed (%s)", len(confirmed), runTier),
		Body:     b.String(),
		At:       result.WindowEnd,
	}
}

// FormatTrainingAlert 将一次训练周期的结果渲染为告警消息。失败的周期
// 以 MEDIUM 级别通知，晋升一致性被破坏时提升为 CRITICAL。
func FormatTrainingAlert(res lifecycle.Result, runErr error) Message {
	b := strings.Builder{}
	b.WriteString("[Model Training Report]\n")
	if res.Version != "" {
		b.WriteString(fmt.Sprintf("Version: %s\n", res.Version))
	}
	b.WriteString(fmt.Sprintf("Decision: %s\n", res.Decision))
	if res.Records > 0 {
		b.WriteString(fmt.Sprintf("Records: %d (%.1f days)\n", res.Records, res.Report.SpanDays))
	}
	if res.Metrics != nil {
		b.WriteString(fmt.Sprintf("Holdout: MAE %.4f kW, RMSE %.4f kW, MAPE %.1f%%, R2 %.3f\n",
			res.Metrics.MAE, res.Metrics.RMSE, res.Metrics.MAPE, res.Metrics.R2))
	}
	if res.Previous != nil {
		b.WriteString(fmt.Sprintf("Production: MAE %.4f kW, RMSE %.4f kW\n",
			res.Previous.MAE, res.Previous.RMSE))
	}
	if res.Regressed {
		b.WriteString("Challenger regressed beyond tolerance; production model kept.\n")
	}
	if runErr != nil {
		b.WriteString(fmt.Sprintf("Error: %v\n", runErr))
	}

	severity := detect.TierLow
	subject := ""
	switch {
	case runErr == nil:
		subject = fmt.Sprintf("Model training: %s", res.Decision)
		if res.Metrics != nil {
			subject = fmt.Sprintf("Model training: %s (MAE %.4f)", res.Decision, res.Metrics.MAE)
		}
	default:
		severity = detect.TierMedium
		var promo *faults.PromotionError
		if errors.As(runErr, &promo) {
			severity = detect.TierCritical
		}
		subject = "Model training failed"
	}

	return Message{
		Kind:     KindTraining,
		Severity: string(severity),
		Subject:  subject,
		Body:     b.String(),
		At:       time.Now().UTC(),
	}
}
