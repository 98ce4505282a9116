// Package lifecycle drives the retraining cycle: fetch a training
// window, validate and clean it, fit both models, evaluate on the
// holdout, compare against production, then promote or roll back. Every
// attempt that gets as far as validation lands in the registry history,
// discarded ones included.
package lifecycle

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/model"
	"energy-anomaly-alerts/internal/quality"
	"energy-anomaly-alerts/internal/registry"
	"energy-anomaly-alerts/internal/source"
)

// Decision names the outcome of a training cycle.
type Decision string

const (
	// DecisionFirstTraining promoted the very first version.
	DecisionFirstTraining Decision = "first_training"
	// DecisionKeepNew promoted the challenger over production.
	DecisionKeepNew Decision = "keep_new"
	// DecisionRollbackOld kept production; the challenger is archived.
	DecisionRollbackOld Decision = "rollback_old"
	// DecisionDiscarded aborted the attempt before any promotion.
	DecisionDiscarded Decision = "discarded"
)

// Result reports one training cycle. Ran is false when the cycle was
// not due, in which case nothing else is set.
type Result struct {
	Ran       bool
	Decision  Decision
	Version   string
	Records   int
	Metrics   *model.Metrics
	Previous  *model.Metrics
	Regressed bool
	Report    quality.Report
}

// Trainer owns the cycle. It never sends notifications itself; callers
// act on the Result.
type Trainer struct {
	training config.TrainingConfig
	outlier  config.OutlierModelConfig
	source   source.Adapter
	checker  *quality.Checker
	registry *registry.Registry
	logger   zerolog.Logger
}

// NewTrainer wires the training pipeline.
func NewTrainer(
	training config.TrainingConfig,
	outlier config.OutlierModelConfig,
	adapter source.Adapter,
	checker *quality.Checker,
	reg *registry.Registry,
	logger zerolog.Logger,
) *Trainer {
	return &Trainer{
		training: training,
		outlier:  outlier,
		source:   adapter,
		checker:  checker,
		registry: reg,
		logger:   logger.With().Str("component", "trainer").Logger(),
	}
}

// Due reports whether a cycle should run at now. The reference point is
// the most recent history entry of any outcome; an absent or unreadable
// history means overdue.
func (t *Trainer) Due(now time.Time) bool {
	last, ok := t.registry.LastTrainedAt()
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(t.training.IntervalDays)*24*time.Hour
}

// RunCycle executes one training attempt at now. Connectivity failures
// return before anything is recorded so the caller can retry; every
// later failure is recorded as a discarded attempt and returned.
func (t *Trainer) RunCycle(ctx context.Context, now time.Time, force bool) (Result, error) {
	if !force && !t.Due(now) {
		t.logger.Debug().Time("now", now).Msg("training not due yet")
		return Result{}, nil
	}

	if t.training.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.training.Timeout)
		defer cancel()
	}

	start := now.Add(-time.Duration(t.training.WindowDays) * 24 * time.Hour)
	window, err := t.source.FetchWindow(ctx, start, now)
	if err != nil {
		t.logger.Error().Err(err).Msg("training window fetch failed")
		return Result{Ran: true}, err
	}

	res := Result{Ran: true, Records: window.Len()}

	report, err := t.checker.Validate(window)
	res.Report = report
	if err != nil {
		return t.discard(now, res, err)
	}

	cleaned, _ := t.checker.Preprocess(window)

	forecaster, err := model.TrainForecaster(cleaned.Readings, now)
	if err != nil {
		return t.discard(now, res, &faults.TrainingError{Stage: "forecasting", Err: err})
	}
	outlier, err := model.TrainIsolationForest(cleaned.Readings, model.OutlierOptions{
		Contamination: t.outlier.Contamination,
		Trees:         t.outlier.Estimators,
		Seed:          t.outlier.Seed,
	}, now)
	if err != nil {
		return t.discard(now, res, &faults.TrainingError{Stage: "outlier", Err: err})
	}

	// Fitting is not interruptible; an attempt that outlived its budget
	// is discarded here instead of being promoted late.
	if err := ctx.Err(); err != nil {
		return t.discard(now, res, &faults.TrainingError{Stage: "deadline", Err: err})
	}

	cutoff := now.Add(-time.Duration(t.training.HoldoutDays) * 24 * time.Hour)
	holdout := model.HourlyMeans(readingsSince(cleaned.Readings, cutoff))
	metrics, err := forecaster.Evaluate(holdout)
	if err != nil {
		return t.discard(now, res, &faults.TrainingError{Stage: "evaluate", Err: err})
	}
	res.Metrics = &metrics

	decision := DecisionFirstTraining
	prev, err := t.registry.Current()
	switch {
	case errors.Is(err, registry.ErrNoProduction):
	case err != nil:
		return t.discard(now, res, &faults.TrainingError{Stage: "compare", Err: err})
	default:
		previous := prev.Metrics
		res.Previous = &previous
		if metrics.MAE < previous.MAE && metrics.RMSE < previous.RMSE {
			decision = DecisionKeepNew
		} else {
			decision = DecisionRollbackOld
		}
		res.Regressed = metrics.MAE > previous.MAE*(1+t.training.RollbackTolerance)
	}
	res.Decision = decision

	version := registry.VersionID(now)
	res.Version = version
	pair := registry.Pair{
		Version:    version,
		TrainedAt:  now.UTC(),
		Records:    res.Records,
		Metrics:    metrics,
		Forecaster: forecaster,
		Outlier:    outlier,
	}
	// Challenger artifacts are archived even when production stays,
	// so a rollback remains inspectable afterwards.
	if err := t.registry.SaveVersion(pair); err != nil {
		return t.discard(now, res, &faults.TrainingError{Stage: "persist", Err: err})
	}

	if decision == DecisionKeepNew || decision == DecisionFirstTraining {
		if err := t.registry.Promote(version, now); err != nil {
			return t.discard(now, res, err)
		}
	}

	t.appendHistory(registry.HistoryEntry{
		Version:   version,
		Timestamp: now,
		Decision:  string(decision),
		Records:   res.Records,
		Metrics:   &metrics,
	})

	if _, err := t.registry.Cleanup(); err != nil {
		t.logger.Warn().Err(err).Msg("registry cleanup failed")
	}

	evt := t.logger.Info().
		Str("version", version).
		Str("decision", string(decision)).
		Float64("mae", metrics.MAE).
		Float64("rmse", metrics.RMSE).
		Bool("regressed", res.Regressed)
	if res.Previous != nil {
		evt = evt.Float64("previous_mae", res.Previous.MAE).Float64("previous_rmse", res.Previous.RMSE)
	}
	evt.Msg("training cycle finished")
	return res, nil
}

// discard records a failed attempt and hands the error back.
func (t *Trainer) discard(now time.Time, res Result, err error) (Result, error) {
	res.Decision = DecisionDiscarded
	t.appendHistory(registry.HistoryEntry{
		Version:   res.Version,
		Timestamp: now,
		Decision:  string(DecisionDiscarded),
		Records:   res.Records,
		Error:     err.Error(),
	})

	evt := t.logger.Error()
	if faults.IsSkip(err) {
		evt = t.logger.Warn()
	}
	evt.Err(err).Msg("training cycle discarded")
	return res, err
}

func (t *Trainer) appendHistory(e registry.HistoryEntry) {
	if err := t.registry.AppendHistory(e); err != nil {
		t.logger.Error().Err(err).Msg("training history append failed")
	}
}

// readingsSince returns the ordered tail starting at cutoff.
func readingsSince(readings []source.Reading, cutoff time.Time) []source.Reading {
	i := sort.Search(len(readings), func(i int) bool {
		return !readings[i].Timestamp.Before(cutoff)
	})
	return readings[i:]
}
