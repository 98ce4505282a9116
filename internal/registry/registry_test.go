package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/model"
)

func testRegistry(t *testing.T, keep int) *Registry {
	t.Helper()
	return New(config.RegistryConfig{Dir: t.TempDir(), KeepVersions: keep}, zerolog.Nop())
}

func testPair(trainedAt time.Time) Pair {
	seasonal := make([]float64, model.HoursPerWeek)
	for i := range seasonal {
		seasonal[i] = 1.0 + float64(i%24)/100
	}
	return Pair{
		Version:   VersionID(trainedAt),
		TrainedAt: trainedAt,
		Records:   43200,
		Metrics:   model.Metrics{MAE: 0.168, RMSE: 0.241, MAPE: 12.5, R2: 0.81, Samples: 10080},
		Forecaster: &model.Forecaster{
			TrainedAt:   trainedAt,
			Seasonal:    seasonal,
			OverallMean: 1.1,
			TrendOrigin: trainedAt,
		},
		Outlier: &model.IsolationForest{
			TrainedAt:  trainedAt,
			Trees:      []model.Tree{{Nodes: []model.TreeNode{{Feature: -1, Left: -1, Right: -1, Size: 256}}}},
			SampleSize: 256,
			Threshold:  0.62,
		},
	}
}

func TestVersionIDFormat(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 30, 45, 0, time.UTC)
	if got := VersionID(at); got != "v20250301_103045" {
		t.Fatalf("VersionID = %q, want v20250301_103045", got)
	}
}

func TestSaveAndLoadVersion(t *testing.T) {
	r := testRegistry(t, 10)
	pair := testPair(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	if err := r.SaveVersion(pair); err != nil {
		t.Fatalf("SaveVersion returned %v", err)
	}
	loaded, err := r.LoadVersion(pair.Version)
	if err != nil {
		t.Fatalf("LoadVersion returned %v", err)
	}
	if loaded.Version != pair.Version || loaded.Records != pair.Records {
		t.Fatalf("loaded %s/%d, want %s/%d", loaded.Version, loaded.Records, pair.Version, pair.Records)
	}
	if loaded.Metrics != pair.Metrics {
		t.Fatalf("loaded metrics %+v, want %+v", loaded.Metrics, pair.Metrics)
	}
	if !reflect.DeepEqual(loaded.Forecaster.Seasonal, pair.Forecaster.Seasonal) {
		t.Fatal("forecasting model did not survive the round trip")
	}
	if loaded.Outlier.Threshold != pair.Outlier.Threshold {
		t.Fatalf("outlier threshold %.2f, want %.2f", loaded.Outlier.Threshold, pair.Outlier.Threshold)
	}
}

func TestSaveVersionRejectsIncompletePair(t *testing.T) {
	r := testRegistry(t, 10)
	pair := testPair(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	pair.Outlier = nil
	if err := r.SaveVersion(pair); err == nil {
		t.Fatal("SaveVersion accepted a pair without an outlier model")
	}
}

func TestPromoteAndCurrent(t *testing.T) {
	r := testRegistry(t, 10)
	pair := testPair(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	if err := r.SaveVersion(pair); err != nil {
		t.Fatalf("SaveVersion returned %v", err)
	}

	promotedAt := time.Date(2025, 3, 1, 10, 5, 0, 0, time.UTC)
	if err := r.Promote(pair.Version, promotedAt); err != nil {
		t.Fatalf("Promote returned %v", err)
	}

	pointer, err := r.Current()
	if err != nil {
		t.Fatalf("Current returned %v", err)
	}
	if pointer.Version != pair.Version {
		t.Fatalf("production version %s, want %s", pointer.Version, pair.Version)
	}
	if pointer.Metrics != pair.Metrics {
		t.Fatalf("production metrics %+v, want %+v", pointer.Metrics, pair.Metrics)
	}

	prod, err := r.LoadProduction()
	if err != nil {
		t.Fatalf("LoadProduction returned %v", err)
	}
	if prod.Forecaster == nil || prod.Outlier == nil {
		t.Fatal("LoadProduction returned incomplete models")
	}
	if err := r.Verify(); err != nil {
		t.Fatalf("Verify returned %v", err)
	}
}

func TestPromoteUnknownVersion(t *testing.T) {
	r := testRegistry(t, 10)
	err := r.Promote("v20990101_000000", time.Now())
	var promo *faults.PromotionError
	if !errors.As(err, &promo) {
		t.Fatalf("Promote returned %v, want PromotionError", err)
	}
}

func TestCurrentWithoutPointer(t *testing.T) {
	r := testRegistry(t, 10)
	if _, err := r.Current(); !errors.Is(err, ErrNoProduction) {
		t.Fatalf("Current returned %v, want ErrNoProduction", err)
	}
	if _, err := r.LoadProduction(); !errors.Is(err, ErrNoProduction) {
		t.Fatalf("LoadProduction returned %v, want ErrNoProduction", err)
	}
}

func TestCleanupKeepsNewestAndProduction(t *testing.T) {
	r := testRegistry(t, 2)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var versions []string
	for i := 0; i < 4; i++ {
		pair := testPair(base.Add(time.Duration(i) * time.Hour))
		if err := r.SaveVersion(pair); err != nil {
			t.Fatalf("SaveVersion returned %v", err)
		}
		versions = append(versions, pair.Version)
	}
	// Production points at the oldest version, which must survive.
	if err := r.Promote(versions[0], base); err != nil {
		t.Fatalf("Promote returned %v", err)
	}

	removed, err := r.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup returned %v", err)
	}
	if removed != 1 {
		t.Fatalf("Cleanup removed %d versions, want 1", removed)
	}

	left, err := r.Versions()
	if err != nil {
		t.Fatalf("Versions returned %v", err)
	}
	want := []string{versions[0], versions[2], versions[3]}
	if !reflect.DeepEqual(left, want) {
		t.Fatalf("Versions = %v, want %v", left, want)
	}
	if _, err := os.Stat(r.forecastingPath(versions[1])); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("removed version still on disk: %v", err)
	}
}

func TestHistoryAppendAndLastTrainedAt(t *testing.T) {
	r := testRegistry(t, 10)
	if _, ok := r.LastTrainedAt(); ok {
		t.Fatal("LastTrainedAt reported a timestamp before any history")
	}

	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(7 * 24 * time.Hour)
	metrics := model.Metrics{MAE: 0.17, RMSE: 0.24}
	if err := r.AppendHistory(HistoryEntry{Version: VersionID(first), Timestamp: first, Decision: "first_training", Metrics: &metrics}); err != nil {
		t.Fatalf("AppendHistory returned %v", err)
	}
	if err := r.AppendHistory(HistoryEntry{Timestamp: second, Decision: "discarded", Error: "data quality violation: null ratio 0.080 exceeds 0.05"}); err != nil {
		t.Fatalf("AppendHistory returned %v", err)
	}

	entries, err := r.History()
	if err != nil {
		t.Fatalf("History returned %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("History has %d entries, want 2", len(entries))
	}
	if entries[0].Decision != "first_training" || entries[1].Decision != "discarded" {
		t.Fatalf("History order wrong: %s then %s", entries[0].Decision, entries[1].Decision)
	}
	if entries[1].Metrics != nil {
		t.Fatal("discarded attempt should carry no metrics")
	}

	last, ok := r.LastTrainedAt()
	if !ok || !last.Equal(second) {
		t.Fatalf("LastTrainedAt = %v/%v, want %v/true", last, ok, second)
	}
}

func TestHistoryCorruptRestarts(t *testing.T) {
	r := testRegistry(t, 10)
	if err := os.MkdirAll(r.Dir(), 0o755); err != nil {
		t.Fatalf("MkdirAll returned %v", err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir(), historyFile), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile returned %v", err)
	}
	if _, ok := r.LastTrainedAt(); ok {
		t.Fatal("LastTrainedAt trusted a corrupt history")
	}

	at := time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC)
	if err := r.AppendHistory(HistoryEntry{Timestamp: at, Decision: "keep_new"}); err != nil {
		t.Fatalf("AppendHistory returned %v", err)
	}
	entries, err := r.History()
	if err != nil {
		t.Fatalf("History returned %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != "keep_new" {
		t.Fatalf("History = %+v, want the single fresh entry", entries)
	}
}

func TestVerifyCatchesBrokenArtifacts(t *testing.T) {
	r := testRegistry(t, 10)
	pair := testPair(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	pair.Forecaster.Seasonal = pair.Forecaster.Seasonal[:10]
	if err := r.SaveVersion(pair); err != nil {
		t.Fatalf("SaveVersion returned %v", err)
	}
	if err := r.Promote(pair.Version, time.Now()); err != nil {
		t.Fatalf("Promote returned %v", err)
	}
	if err := r.Verify(); err == nil {
		t.Fatal("Verify accepted a forecasting model with truncated seasonal buckets")
	}
}
