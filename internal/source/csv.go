package source

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/faults"
)

// csvColumns is the expected header of a readings extract.
var csvColumns = []string{
	"timestamp",
	"active_power_kw",
	"reactive_power_kw",
	"voltage_v",
	"intensity_a",
	"sub_metering_1",
	"sub_metering_2",
	"sub_metering_3",
}

// CSV serves readings from a local extract file. Intended for offline
// analysis and tests; the file is re-read on every fetch.
type CSV struct {
	path   string
	logger zerolog.Logger
}

// NewCSV constructs a CSV-backed reading adapter.
func NewCSV(path string, logger zerolog.Logger) *CSV {
	return &CSV{path: path, logger: logger.With().Str("component", "source_csv").Logger()}
}

// FetchWindow filters the file to [start, end) and returns readings in
// timestamp order.
func (c *CSV) FetchWindow(ctx context.Context, start, end time.Time) (Window, error) {
	window := Window{Start: start, End: end}

	file, err := os.Open(c.path)
	if err != nil {
		return window, &faults.SourceUnavailableError{Op: "open csv", Err: err}
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(csvColumns)

	header, err := reader.Read()
	if err != nil {
		return window, &faults.SourceUnavailableError{Op: "read csv header", Err: err}
	}
	if err := checkHeader(header); err != nil {
		return window, &faults.SourceUnavailableError{Op: "check csv header", Err: err}
	}

	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return window, err
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return window, &faults.SourceUnavailableError{Op: "read csv record", Err: err}
		}
		line++

		reading, err := parseRecord(record)
		if err != nil {
			return window, &faults.SourceUnavailableError{Op: fmt.Sprintf("parse csv line %d", line), Err: err}
		}

		if reading.Timestamp.Before(start) || !reading.Timestamp.Before(end) {
			continue
		}
		window.Readings = append(window.Readings, reading)
	}

	sort.Slice(window.Readings, func(i, j int) bool {
		return window.Readings[i].Timestamp.Before(window.Readings[j].Timestamp)
	})

	c.logger.Debug().Int("readings", len(window.Readings)).Msg("csv window loaded")
	return window, nil
}

func checkHeader(header []string) error {
	if len(header) != len(csvColumns) {
		return fmt.Errorf("expected %d columns, got %d", len(csvColumns), len(header))
	}
	for i, name := range csvColumns {
		if strings.TrimSpace(strings.ToLower(header[i])) != name {
			return fmt.Errorf("column %d is %q, want %q", i, header[i], name)
		}
	}
	return nil
}

func parseRecord(record []string) (Reading, error) {
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(record[0]))
	if err != nil {
		return Reading{}, fmt.Errorf("parse timestamp: %w", err)
	}

	values := make([]float64, len(record)-1)
	for i, field := range record[1:] {
		values[i] = parseMeasure(field)
	}

	return Reading{
		Timestamp:       ts.UTC(),
		ActivePowerKW:   values[0],
		ReactivePowerKW: values[1],
		VoltageV:        values[2],
		IntensityA:      values[3],
		SubMetering1:    values[4],
		SubMetering2:    values[5],
		SubMetering3:    values[6],
	}, nil
}

// parseMeasure treats blanks and the legacy "?" marker as missing.
func parseMeasure(field string) float64 {
	field = strings.TrimSpace(field)
	if field == "" || field == "?" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

var _ Adapter = (*CSV)(nil)
