package source

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/faults"
)

const csvFixture = `timestamp,active_power_kw,reactive_power_kw,voltage_v,intensity_a,sub_metering_1,sub_metering_2,sub_metering_3
2025-06-01T00:02:00Z,1.200,0.100,231.2,5.2,0.0,1.0,17.0
2025-06-01T00:00:00Z,0.950,0.080,230.1,4.1,0.0,1.0,16.0
2025-06-01T00:01:00Z,?,0.090,229.8,4.4,0.0,,16.0
2025-06-01T01:00:00Z,2.500,0.150,228.0,11.0,1.0,2.0,18.0
`

func writeFixture(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readings.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestCSVFetchWindowFiltersAndSorts(t *testing.T) {
	adapter := NewCSV(writeFixture(t, csvFixture), zerolog.Nop())

	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	w, err := adapter.FetchWindow(context.Background(), start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if w.Len() != 3 {
		t.Fatalf("expected 3 readings inside the window, got %d", w.Len())
	}
	if !w.Ordered() {
		t.Fatal("readings must come back sorted by timestamp")
	}
	if w.Readings[0].ActivePowerKW != 0.950 {
		t.Fatalf("first reading should be 00:00, got %v kW", w.Readings[0].ActivePowerKW)
	}
	if !math.IsNaN(w.Readings[1].ActivePowerKW) {
		t.Fatal("the ? marker must parse as missing")
	}
	if !math.IsNaN(w.Readings[1].SubMetering2) {
		t.Fatal("blank fields must parse as missing")
	}
}

func TestCSVFetchWindowEmptyIsNotAnError(t *testing.T) {
	adapter := NewCSV(writeFixture(t, csvFixture), zerolog.Nop())

	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	w, err := adapter.FetchWindow(context.Background(), start, start.Add(time.Hour))
	if err != nil {
		t.Fatalf("an empty window is a valid answer, got error: %v", err)
	}
	if !w.Empty() {
		t.Fatalf("expected no readings, got %d", w.Len())
	}
}

func TestCSVMissingFileIsSourceUnavailable(t *testing.T) {
	adapter := NewCSV(filepath.Join(t.TempDir(), "absent.csv"), zerolog.Nop())

	_, err := adapter.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	var src *faults.SourceUnavailableError
	if !errors.As(err, &src) {
		t.Fatalf("expected SourceUnavailableError, got %v", err)
	}
}

func TestCSVRejectsForeignHeader(t *testing.T) {
	path := writeFixture(t, "a,b,c,d,e,f,g,h\n")
	adapter := NewCSV(path, zerolog.Nop())

	_, err := adapter.FetchWindow(context.Background(), time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("a foreign header must be rejected")
	}
}
