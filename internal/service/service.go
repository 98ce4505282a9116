// Package service runs the hourly anomaly scan: fetch the last completed
// hour from the reading source, evaluate it with the production models,
// persist confirmed verdicts and notify per severity policy.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/alerting"
	"energy-anomaly-alerts/internal/detect"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/registry"
	"energy-anomaly-alerts/internal/source"
	"energy-anomaly-alerts/internal/storage"
)

// Run-level escalation thresholds. A scan hour is raised to CRITICAL or
// MEDIUM on volume or magnitude even when no single verdict reaches
// that tier on its own.
const (
	escalateCriticalCount   = 5
	escalateCriticalPowerKW = 8.0
	escalateMediumCount     = 2
	escalateMediumPowerKW   = 5.0
)

// Scanner orchestrates one detection cycle end to end.
type Scanner struct {
	source       source.Adapter
	registry     *registry.Registry
	engine       *detect.Engine
	store        storage.AnomalyStore
	dispatcher   *alerting.Dispatcher
	queryTimeout time.Duration
	logger       zerolog.Logger
}

// NewScanner constructs the scan service. The anomaly store and the
// dispatcher may be nil; persistence and notification are then skipped.
func NewScanner(adapter source.Adapter, reg *registry.Registry, engine *detect.Engine, store storage.AnomalyStore, dispatcher *alerting.Dispatcher, queryTimeout time.Duration, logger zerolog.Logger) *Scanner {
	if adapter == nil || reg == nil || engine == nil {
		panic("scanner requires a source adapter, a registry and an engine")
	}
	return &Scanner{
		source:       adapter,
		registry:     reg,
		engine:       engine,
		store:        store,
		dispatcher:   dispatcher,
		queryTimeout: queryTimeout,
		logger:       logger.With().Str("component", "scanner").Logger(),
	}
}

// ScanHour 执行单个整点时间桶的异常扫描。
func (s *Scanner) ScanHour(ctx context.Context, firedAt time.Time) error {
	hourEnd := firedAt.UTC().Truncate(time.Hour)
	hourStart := hourEnd.Add(-time.Hour)

	_, err := s.ScanWindow(ctx, hourStart, hourEnd)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrNoProduction):
		s.logger.Warn().Msg("no production model yet, scan skipped; run a training cycle first")
		return nil
	case faults.IsSkip(err):
		s.logger.Debug().Time("hour", hourStart).Msg("window too small, scan skipped")
		return nil
	default:
		return err
	}
}

// ScanWindow runs detection over an arbitrary window and returns the
// tagged result. Confirmed verdicts are persisted and, when the run
// severity warrants it, turned into an alert.
func (s *Scanner) ScanWindow(ctx context.Context, from, to time.Time) (detect.DetectionResult, error) {
	if !from.Before(to) {
		return detect.DetectionResult{}, fmt.Errorf("scan window start %s is not before end %s", from, to)
	}

	models, err := s.loadModels()
	if err != nil {
		return detect.DetectionResult{}, err
	}

	fetchCtx := ctx
	if s.queryTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	window, err := s.source.FetchWindow(fetchCtx, from, to)
	if err != nil {
		return detect.DetectionResult{}, err
	}

	result, err := s.engine.Detect(window, models)
	if err != nil {
		return detect.DetectionResult{}, err
	}

	confirmed := result.Confirmed()
	runTier := runSeverity(result)

	s.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("readings", result.Readings).
		Int("confirmed", len(confirmed)).
		Str("severity", string(runTier)).
		Str("model_version", result.ModelVersion).
		Msg("scan complete")

	if len(confirmed) == 0 {
		return result, nil
	}

	s.persist(ctx, result, confirmed)

	if s.dispatcher != nil {
		msg := alerting.FormatAnomalyAlert(result, runTier)
		if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
			s.logger.Error().Err(err).Msg("failed to dispatch anomaly alert")
		}
	}

	return result, nil
}

func (s *Scanner) loadModels() (detect.Models, error) {
	pair, err := s.registry.LoadProduction()
	if err != nil {
		return detect.Models{}, err
	}
	return detect.Models{
		Forecaster: pair.Forecaster,
		Outlier:    pair.Outlier,
		Version:    pair.Version,
	}, nil
}

// persist writes the confirmed verdicts to the anomaly audit trail. A
// storage failure is logged, not fatal: the reading source stays
// authoritative and the alert still goes out.
func (s *Scanner) persist(ctx context.Context, result detect.DetectionResult, confirmed []detect.Verdict) {
	if s.store == nil {
		return
	}

	now := time.Now().UTC()
	events := make([]storage.AnomalyEvent, len(confirmed))
	for i, v := range confirmed {
		events[i] = storage.AnomalyEvent{
			ID:           uuid.New(),
			ObservedAt:   v.Reading.Timestamp,
			PowerKW:      v.Reading.ActivePowerKW,
			DeviationPct: v.DeviationPct,
			Votes:        v.Votes,
			Methods:      v.Methods,
			Category:     string(v.Category),
			Score:        v.Score,
			Tier:         string(v.Tier),
			ModelVersion: result.ModelVersion,
			WindowStart:  result.WindowStart,
			WindowEnd:    result.WindowEnd,
			CreatedAt:    now,
		}
	}

	if err := s.store.InsertAnomalies(ctx, events); err != nil {
		s.logger.Error().Err(err).Int("events", len(events)).Msg("failed to persist anomaly events")
	}
}

// runSeverity derives the severity of the whole scan: the highest
// confirmed verdict tier, escalated on anomaly volume or peak power.
func runSeverity(result detect.DetectionResult) detect.Tier {
	confirmed := result.Confirmed()
	tier := result.MaxTier()

	maxPower := 0.0
	for _, v := range confirmed {
		if v.Reading.ActivePowerKW > maxPower {
			maxPower = v.Reading.ActivePowerKW
		}
	}

	switch {
	case len(confirmed) > escalateCriticalCount || maxPower > escalateCriticalPowerKW:
		tier = maxSeverity(tier, detect.TierCritical)
	case len(confirmed) > escalateMediumCount || maxPower > escalateMediumPowerKW:
		tier = maxSeverity(tier, detect.TierMedium)
	}
	return tier
}

func maxSeverity(a, b detect.Tier) detect.Tier {
	if detect.TierAtLeast(a, b) {
		return a
	}
	return b
}
