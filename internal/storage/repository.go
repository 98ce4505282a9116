package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAnomalySQL = `INSERT INTO anomaly_events (
        id,
        observed_at,
        power_kw,
        deviation_pct,
        votes,
        methods,
        category,
        score,
        tier,
        model_version,
        window_start,
        window_end
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO NOTHING;`

	listAnomaliesBetweenSQL = `SELECT
        id,
        observed_at,
        power_kw,
        deviation_pct,
        votes,
        methods,
        category,
        score,
        tier,
        model_version,
        window_start,
        window_end,
        created_at
    FROM anomaly_events
    WHERE observed_at >= $1
      AND observed_at < $2
    ORDER BY observed_at;`

	listRecentAnomaliesSQL = `SELECT
        id,
        observed_at,
        power_kw,
        deviation_pct,
        votes,
        methods,
        category,
        score,
        tier,
        model_version,
        window_start,
        window_end,
        created_at
    FROM anomaly_events
    ORDER BY observed_at DESC
    LIMIT $1;`

	countAnomaliesBetweenSQL = `SELECT COUNT(*) FROM anomaly_events
    WHERE observed_at >= $1
      AND observed_at < $2;`

	insertAlertSQL = `INSERT INTO alerts (
        kind,
        severity,
        subject,
        channels,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, kind, severity, subject, channels, payload, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        kind,
        severity,
        subject,
        channels,
        payload,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	insertJobRunSQL = `INSERT INTO job_runs (
        id,
        job,
        fired_at,
        started_at,
        finished_at,
        status,
        attempts,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentRunsSQL = `SELECT
        id,
        job,
        fired_at,
        started_at,
        finished_at,
        status,
        attempts,
        error
    FROM job_runs
    WHERE job = $1
    ORDER BY fired_at DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AnomalyStore defines persistence for confirmed anomaly verdicts.
type AnomalyStore interface {
	InsertAnomalies(ctx context.Context, events []AnomalyEvent) error
	ListAnomaliesBetween(ctx context.Context, from, to time.Time) ([]AnomalyEvent, error)
	ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyEvent, error)
	CountAnomaliesBetween(ctx context.Context, from, to time.Time) (int64, error)
}

// AlertStore defines operations for notification auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// JobRunStore records orchestrated job cycles.
type JobRunStore interface {
	RecordJobRun(ctx context.Context, run JobRun) error
	ListRecentRuns(ctx context.Context, job string, limit int) ([]JobRun, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to anomaly events, alerts and job runs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool so adapters can share the connection.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; releasing the session frees the lock regardless
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

var (
	_ AnomalyStore   = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ JobRunStore    = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// InsertAnomalies persists a batch of anomaly events.
func (s *Store) InsertAnomalies(ctx context.Context, events []AnomalyEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertAnomalySQL,
			e.ID.String(),
			e.ObservedAt,
			e.PowerKW,
			e.DeviationPct,
			e.Votes,
			e.Methods,
			e.Category,
			e.Score,
			e.Tier,
			e.ModelVersion,
			e.WindowStart,
			e.WindowEnd,
		)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, execErr := results.Exec(); execErr != nil {
			return fmt.Errorf("insert anomaly event: %w", execErr)
		}
	}
	return nil
}

// ListAnomaliesBetween lists events within a time window.
func (s *Store) ListAnomaliesBetween(ctx context.Context, from, to time.Time) ([]AnomalyEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAnomaliesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list anomalies between: %w", queryErr)
	}
	defer rows.Close()

	return collectAnomalies(rows)
}

// ListRecentAnomalies lists the newest events first.
func (s *Store) ListRecentAnomalies(ctx context.Context, limit int) ([]AnomalyEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	defer rows.Close()

	return collectAnomalies(rows)
}

// CountAnomaliesBetween counts events within a time window.
func (s *Store) CountAnomaliesBetween(ctx context.Context, from, to time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAnomaliesBetweenSQL, from, to).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count anomalies: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Kind,
		alert.Severity,
		alert.Subject,
		alert.Channels,
		[]byte(alert.Payload),
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Severity,
		&rec.Subject,
		&rec.Channels,
		&rec.Payload,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Severity,
			&rec.Subject,
			&rec.Channels,
			&rec.Payload,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// RecordJobRun inserts one completed job cycle.
func (s *Store) RecordJobRun(ctx context.Context, run JobRun) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var finished interface{}
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	var errMsg interface{}
	if run.Error != nil {
		errMsg = *run.Error
	}

	if _, execErr := pool.Exec(ctx, insertJobRunSQL,
		run.ID.String(),
		run.Job,
		run.FiredAt,
		run.StartedAt,
		finished,
		run.Status,
		run.Attempts,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("record job run: %w", execErr)
	}
	return nil
}

// ListRecentRuns lists the newest cycles of one job.
func (s *Store) ListRecentRuns(ctx context.Context, job string, limit int) ([]JobRun, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentRunsSQL, job, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent runs: %w", queryErr)
	}
	defer rows.Close()

	runs := make([]JobRun, 0, limit)
	for rows.Next() {
		run, scanErr := scanJobRun(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		runs = append(runs, run)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return runs, nil
}

func collectAnomalies(rows pgx.Rows) ([]AnomalyEvent, error) {
	events := make([]AnomalyEvent, 0)
	for rows.Next() {
		event, scanErr := scanAnomaly(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanAnomaly(rows pgx.Rows) (AnomalyEvent, error) {
	var (
		idStr string
		event AnomalyEvent
	)

	if err := rows.Scan(
		&idStr,
		&event.ObservedAt,
		&event.PowerKW,
		&event.DeviationPct,
		&event.Votes,
		&event.Methods,
		&event.Category,
		&event.Score,
		&event.Tier,
		&event.ModelVersion,
		&event.WindowStart,
		&event.WindowEnd,
		&event.CreatedAt,
	); err != nil {
		return AnomalyEvent{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return AnomalyEvent{}, fmt.Errorf("parse anomaly id: %w", err)
	}
	event.ID = id
	return event, nil
}

func scanJobRun(rows pgx.Rows) (JobRun, error) {
	var (
		idStr    string
		run      JobRun
		finished *time.Time
		errMsg   *string
	)

	if err := rows.Scan(
		&idStr,
		&run.Job,
		&run.FiredAt,
		&run.StartedAt,
		&finished,
		&run.Status,
		&run.Attempts,
		&errMsg,
	); err != nil {
		return JobRun{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return JobRun{}, fmt.Errorf("parse job run id: %w", err)
	}
	run.ID = id
	run.FinishedAt = finished
	run.Error = errMsg
	return run, nil
}
