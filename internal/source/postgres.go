package source

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/faults"
)

const (
	listReadingsSQL = `SELECT
        ts,
        active_power_kw,
        reactive_power_kw,
        voltage_v,
        intensity_a,
        sub_metering_1,
        sub_metering_2,
        sub_metering_3
    FROM energy_readings
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	countReadingsSQL = `SELECT COUNT(*) FROM energy_readings;`

	latestReadingSQL = `SELECT ts FROM energy_readings ORDER BY ts DESC LIMIT 1;`
)

// PostgresOptions parameterise the Postgres reading adapter.
type PostgresOptions struct {
	QueryTimeout time.Duration
}

// Postgres reads the energy_readings table maintained by the acquisition
// pipeline. The table is authoritative; this subsystem only reads it,
// except for the synthetic seeding command.
type Postgres struct {
	pool   *pgxpool.Pool
	opts   PostgresOptions
	logger zerolog.Logger
}

// NewPostgres wires a pgx pool into a reading adapter.
func NewPostgres(pool *pgxpool.Pool, opts PostgresOptions, logger zerolog.Logger) *Postgres {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	return &Postgres{
		pool:   pool,
		opts:   opts,
		logger: logger.With().Str("component", "source_postgres").Logger(),
	}
}

// FetchWindow returns readings in [start, end). No rows is not an error.
func (p *Postgres) FetchWindow(ctx context.Context, start, end time.Time) (Window, error) {
	window := Window{Start: start, End: end}

	ctx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, listReadingsSQL, start, end)
	if err != nil {
		return window, &faults.SourceUnavailableError{Op: "list readings", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return window, &faults.SourceUnavailableError{Op: "scan reading", Err: scanErr}
		}
		window.Readings = append(window.Readings, reading)
	}
	if rows.Err() != nil {
		return window, &faults.SourceUnavailableError{Op: "iterate readings", Err: rows.Err()}
	}

	p.logger.Debug().
		Time("start", start).
		Time("end", end).
		Int("readings", len(window.Readings)).
		Msg("window fetched")
	return window, nil
}

// CountReadings counts stored readings.
func (p *Postgres) CountReadings(ctx context.Context) (int64, error) {
	var count int64
	if err := p.pool.QueryRow(ctx, countReadingsSQL).Scan(&count); err != nil {
		return 0, &faults.SourceUnavailableError{Op: "count readings", Err: err}
	}
	return count, nil
}

// LatestReadingTime returns the newest timestamp, or zero when the table
// is empty.
func (p *Postgres) LatestReadingTime(ctx context.Context) (time.Time, error) {
	var ts time.Time
	err := p.pool.QueryRow(ctx, latestReadingSQL).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, &faults.SourceUnavailableError{Op: "latest reading", Err: err}
	}
	return ts, nil
}

// InsertReadings bulk-loads readings, used by the synthetic seeder.
func (p *Postgres) InsertReadings(ctx context.Context, readings []Reading) (int64, error) {
	rows := make([][]interface{}, len(readings))
	for i, r := range readings {
		rows[i] = []interface{}{
			r.Timestamp,
			nullable(r.ActivePowerKW),
			nullable(r.ReactivePowerKW),
			nullable(r.VoltageV),
			nullable(r.IntensityA),
			nullable(r.SubMetering1),
			nullable(r.SubMetering2),
			nullable(r.SubMetering3),
		}
	}

	copied, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"energy_readings"},
		[]string{"ts", "active_power_kw", "reactive_power_kw", "voltage_v", "intensity_a", "sub_metering_1", "sub_metering_2", "sub_metering_3"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, &faults.SourceUnavailableError{Op: "insert readings", Err: err}
	}
	return copied, nil
}

func scanReading(rows pgx.Rows) (Reading, error) {
	var (
		ts       time.Time
		active   sql.NullFloat64
		reactive sql.NullFloat64
		voltage  sql.NullFloat64
		current  sql.NullFloat64
		sub1     sql.NullFloat64
		sub2     sql.NullFloat64
		sub3     sql.NullFloat64
	)

	if err := rows.Scan(&ts, &active, &reactive, &voltage, &current, &sub1, &sub2, &sub3); err != nil {
		return Reading{}, err
	}

	return Reading{
		Timestamp:       ts,
		ActivePowerKW:   floatOrNaN(active),
		ReactivePowerKW: floatOrNaN(reactive),
		VoltageV:        floatOrNaN(voltage),
		IntensityA:      floatOrNaN(current),
		SubMetering1:    floatOrNaN(sub1),
		SubMetering2:    floatOrNaN(sub2),
		SubMetering3:    floatOrNaN(sub3),
	}, nil
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func nullable(v float64) interface{} {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

var _ Adapter = (*Postgres)(nil)
