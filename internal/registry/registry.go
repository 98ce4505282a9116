// Package registry persists model versions on disk and tracks which one
// serves production. Every mutation of the production pointer goes
// through an atomic rename so readers never observe a partial file.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/model"
)

// ErrNoProduction means no version has ever been promoted. Callers that
// need a model skip their cycle instead of failing.
var ErrNoProduction = errors.New("no production model promoted")

const (
	pointerFile = "production.json"
	historyFile = "metrics_history.json"

	forecastingPrefix = "forecasting_"
	outlierPrefix     = "outlier_"
	metadataPrefix    = "metadata_"
)

// VersionID stamps a training run. Stamps sort lexicographically in
// chronological order, which Cleanup and Versions rely on.
func VersionID(t time.Time) string {
	return t.UTC().Format("v20060102_150405")
}

// Metadata describes one saved version without loading its models.
type Metadata struct {
	Version   string        `json:"version"`
	TrainedAt time.Time     `json:"trained_at"`
	Records   int           `json:"records"`
	Metrics   model.Metrics `json:"metrics"`
}

// Pair bundles the two models trained together under one version.
type Pair struct {
	Version    string                 `json:"version"`
	TrainedAt  time.Time              `json:"trained_at"`
	Records    int                    `json:"records"`
	Metrics    model.Metrics          `json:"metrics"`
	Forecaster *model.Forecaster      `json:"-"`
	Outlier    *model.IsolationForest `json:"-"`
}

// Production is the pointer file content: the version currently serving
// detection, with the holdout metrics it was promoted on.
type Production struct {
	Version    string        `json:"version"`
	PromotedAt time.Time     `json:"promoted_at"`
	Metrics    model.Metrics `json:"metrics"`
}

// HistoryEntry is one line of the append-only training history. Every
// attempt lands here, discarded ones included.
type HistoryEntry struct {
	Version   string         `json:"version"`
	Timestamp time.Time      `json:"timestamp"`
	Decision  string         `json:"decision"`
	Records   int            `json:"records,omitempty"`
	Metrics   *model.Metrics `json:"metrics,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Registry is a directory of versioned model artifacts plus the
// production pointer and training history.
type Registry struct {
	dir    string
	keep   int
	logger zerolog.Logger

	mu sync.Mutex
}

// New builds a registry rooted at the configured directory. The
// directory is created lazily on first write.
func New(cfg config.RegistryConfig, logger zerolog.Logger) *Registry {
	return &Registry{
		dir:    cfg.Dir,
		keep:   cfg.KeepVersions,
		logger: logger.With().Str("component", "registry").Logger(),
	}
}

// Dir returns the registry root.
func (r *Registry) Dir() string { return r.dir }

// SaveVersion writes the three files of a version: both models and the
// metadata sidecar. It does not touch the production pointer.
func (r *Registry) SaveVersion(p Pair) error {
	if p.Version == "" {
		return errors.New("save version: empty version id")
	}
	if p.Forecaster == nil || p.Outlier == nil {
		return errors.New("save version: both models are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := r.writeJSON(r.forecastingPath(p.Version), p.Forecaster); err != nil {
		return fmt.Errorf("write forecasting artifact: %w", err)
	}
	if err := r.writeJSON(r.outlierPath(p.Version), p.Outlier); err != nil {
		return fmt.Errorf("write outlier artifact: %w", err)
	}
	meta := Metadata{Version: p.Version, TrainedAt: p.TrainedAt, Records: p.Records, Metrics: p.Metrics}
	if err := r.writeJSON(r.metadataPath(p.Version), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	r.logger.Info().Str("version", p.Version).Int("records", p.Records).Msg("version saved")
	return nil
}

// Promote atomically points production at an already saved version.
// Every failure surfaces as a PromotionError so the caller can alert.
func (r *Registry) Promote(version string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var meta Metadata
	if err := r.readJSON(r.metadataPath(version), &meta); err != nil {
		return &faults.PromotionError{Step: "metadata", Err: err}
	}
	for _, path := range []string{r.forecastingPath(version), r.outlierPath(version)} {
		if _, err := os.Stat(path); err != nil {
			return &faults.PromotionError{Step: "artifacts", Err: err}
		}
	}

	pointer := Production{Version: version, PromotedAt: at.UTC(), Metrics: meta.Metrics}
	if err := r.writeJSON(r.productionPath(), pointer); err != nil {
		return &faults.PromotionError{Step: "pointer", Err: err}
	}

	r.logger.Info().Str("version", version).Msg("version promoted to production")
	return nil
}

// Current reads the production pointer without loading the models.
func (r *Registry) Current() (Production, error) {
	var pointer Production
	err := r.readJSON(r.productionPath(), &pointer)
	if errors.Is(err, os.ErrNotExist) {
		return Production{}, ErrNoProduction
	}
	if err != nil {
		return Production{}, fmt.Errorf("read production pointer: %w", err)
	}
	if pointer.Version == "" {
		return Production{}, fmt.Errorf("production pointer has no version")
	}
	return pointer, nil
}

// LoadProduction resolves the pointer and loads both production models.
func (r *Registry) LoadProduction() (Pair, error) {
	pointer, err := r.Current()
	if err != nil {
		return Pair{}, err
	}
	pair, err := r.LoadVersion(pointer.Version)
	if err != nil {
		return Pair{}, fmt.Errorf("load production %s: %w", pointer.Version, err)
	}
	return pair, nil
}

// LoadVersion loads one saved version in full.
func (r *Registry) LoadVersion(version string) (Pair, error) {
	var meta Metadata
	if err := r.readJSON(r.metadataPath(version), &meta); err != nil {
		return Pair{}, fmt.Errorf("read metadata: %w", err)
	}
	forecaster := &model.Forecaster{}
	if err := r.readJSON(r.forecastingPath(version), forecaster); err != nil {
		return Pair{}, fmt.Errorf("read forecasting artifact: %w", err)
	}
	outlier := &model.IsolationForest{}
	if err := r.readJSON(r.outlierPath(version), outlier); err != nil {
		return Pair{}, fmt.Errorf("read outlier artifact: %w", err)
	}
	return Pair{
		Version:    meta.Version,
		TrainedAt:  meta.TrainedAt,
		Records:    meta.Records,
		Metrics:    meta.Metrics,
		Forecaster: forecaster,
		Outlier:    outlier,
	}, nil
}

// Verify checks that the production pointer resolves to loadable,
// plausible artifacts. It reports ErrNoProduction when nothing has been
// promoted yet.
func (r *Registry) Verify() error {
	pointer, err := r.Current()
	if err != nil {
		return err
	}
	pair, err := r.LoadVersion(pointer.Version)
	if err != nil {
		return fmt.Errorf("verify %s: %w", pointer.Version, err)
	}
	if pair.Version != pointer.Version {
		return fmt.Errorf("verify %s: metadata claims version %s", pointer.Version, pair.Version)
	}
	if len(pair.Forecaster.Seasonal) != model.HoursPerWeek {
		return fmt.Errorf("verify %s: forecasting model has %d seasonal buckets, want %d",
			pointer.Version, len(pair.Forecaster.Seasonal), model.HoursPerWeek)
	}
	if len(pair.Outlier.Trees) == 0 {
		return fmt.Errorf("verify %s: outlier model has no trees", pointer.Version)
	}
	return nil
}

// Versions lists saved versions in chronological order.
func (r *Registry) Versions() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, metadataPrefix+"v*.json"))
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	versions := make([]string, 0, len(matches))
	for _, m := range matches {
		name := filepath.Base(m)
		v := strings.TrimSuffix(strings.TrimPrefix(name, metadataPrefix), ".json")
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions, nil
}

// Cleanup removes the oldest versions beyond the retention count. The
// production version is never removed, whatever its age.
func (r *Registry) Cleanup() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, err := r.Versions()
	if err != nil {
		return 0, err
	}
	if len(versions) <= r.keep {
		return 0, nil
	}

	protected := ""
	if pointer, err := r.Current(); err == nil {
		protected = pointer.Version
	}

	removed := 0
	for _, v := range versions[:len(versions)-r.keep] {
		if v == protected {
			continue
		}
		for _, path := range []string{r.forecastingPath(v), r.outlierPath(v), r.metadataPath(v)} {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("remove %s: %w", path, err)
			}
		}
		removed++
		r.logger.Debug().Str("version", v).Msg("old version removed")
	}
	if removed > 0 {
		r.logger.Info().Int("removed", removed).Int("kept", len(versions)-removed).Msg("registry cleaned up")
	}
	return removed, nil
}

// AppendHistory adds one attempt to the training history. A corrupt
// history file is logged and restarted rather than blocking the record.
func (r *Registry) AppendHistory(e HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	var entries []HistoryEntry
	err := r.readJSON(r.historyPath(), &entries)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		r.logger.Warn().Err(err).Msg("training history unreadable, starting a new one")
		entries = nil
	}

	entries = append(entries, e)
	if err := r.writeJSON(r.historyPath(), entries); err != nil {
		return fmt.Errorf("write training history: %w", err)
	}
	return nil
}

// History returns all recorded attempts, oldest first.
func (r *Registry) History() ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := r.readJSON(r.historyPath(), &entries)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read training history: %w", err)
	}
	return entries, nil
}

// LastTrainedAt returns the timestamp of the most recent attempt of any
// outcome. A missing or unreadable history reports false, which callers
// treat as overdue.
func (r *Registry) LastTrainedAt() (time.Time, bool) {
	entries, err := r.History()
	if err != nil {
		r.logger.Warn().Err(err).Msg("training history unreadable")
		return time.Time{}, false
	}
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[len(entries)-1].Timestamp, true
}

func (r *Registry) forecastingPath(v string) string {
	return filepath.Join(r.dir, forecastingPrefix+v+".json")
}

func (r *Registry) outlierPath(v string) string {
	return filepath.Join(r.dir, outlierPrefix+v+".json")
}

func (r *Registry) metadataPath(v string) string {
	return filepath.Join(r.dir, metadataPrefix+v+".json")
}

func (r *Registry) productionPath() string { return filepath.Join(r.dir, pointerFile) }
func (r *Registry) historyPath() string    { return filepath.Join(r.dir, historyFile) }

// writeJSON lands the encoded value under a temporary name and renames
// it into place, so concurrent readers see either version in full.
func (r *Registry) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (r *Registry) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
