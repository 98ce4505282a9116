// Package jobs drives the orchestrated cycles of the service: the scan,
// the retraining check and the three report schedules. Each job runs on
// its own goroutine; a fire that lands while the previous run still
// holds its advisory lock is skipped, never queued.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/storage"
)

// auditTimeout bounds the job run audit write, which must not inherit
// a cancelled job context during shutdown.
const auditTimeout = 5 * time.Second

// Func runs one job cycle for a fire time.
type Func func(ctx context.Context, fired time.Time) error

// Job pairs a trigger with the work it fires.
type Job struct {
	Name    string
	Trigger Trigger
	Run     Func
}

// Runner owns the registered jobs. Source connectivity failures are
// retried on the configured delay ladder within the same fire; data and
// training defects fail the fire immediately.
type Runner struct {
	jobs    []Job
	locker  storage.AdvisoryLocker
	runs    storage.JobRunStore
	baseKey int64
	delays  []time.Duration
	startup time.Duration
	logger  zerolog.Logger
}

// NewRunner builds a runner. Locker and runs may be nil, which disables
// cross-process exclusion and auditing respectively.
func NewRunner(cfg config.JobsConfig, locker storage.AdvisoryLocker, runs storage.JobRunStore, logger zerolog.Logger) *Runner {
	return &Runner{
		locker:  locker,
		runs:    runs,
		baseKey: cfg.LockBaseKey,
		delays:  cfg.RetryDelays,
		startup: cfg.StartupDelay,
		logger:  logger.With().Str("component", "jobs").Logger(),
	}
}

// Add registers a job. Jobs keep their registration order; the advisory
// lock key of a job is the base key plus its position.
func (r *Runner) Add(job Job) {
	if job.Name == "" || job.Trigger == nil || job.Run == nil {
		panic("jobs: job needs a name, a trigger and a run function")
	}
	r.jobs = append(r.jobs, job)
}

// Run blocks, driving every job until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if len(r.jobs) == 0 {
		return errors.New("jobs: nothing to run")
	}

	var wg sync.WaitGroup
	for i, job := range r.jobs {
		r.logger.Info().Str("job", job.Name).Str("schedule", job.Trigger.String()).Msg("job registered")
		wg.Add(1)
		go func(ordinal int, job Job) {
			defer wg.Done()
			r.loop(ctx, job, ordinal)
		}(i, job)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) loop(ctx context.Context, job Job, ordinal int) {
	if r.startup > 0 {
		timer := time.NewTimer(r.startup)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	for {
		// The next fire is computed from the current time, so fires
		// missed during a long run are dropped.
		next := job.Trigger.Next(time.Now().UTC())
		r.logger.Debug().Str("job", job.Name).Time("next_fire", next).Msg("waiting for next fire")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		r.execute(ctx, job, ordinal, next)

		missed := 0
		for t := job.Trigger.Next(next); !t.After(time.Now().UTC()); t = job.Trigger.Next(t) {
			missed++
		}
		if missed > 0 {
			r.logger.Warn().
				Str("job", job.Name).
				Int("missed", missed).
				Msg("run outlasted its schedule, missed fires dropped")
		}
	}
}

func (r *Runner) execute(ctx context.Context, job Job, ordinal int, fired time.Time) {
	run := storage.JobRun{
		ID:        uuid.New(),
		Job:       job.Name,
		FiredAt:   fired,
		StartedAt: time.Now().UTC(),
	}

	if r.locker != nil {
		unlock, acquired, err := r.locker.TryAdvisoryLock(ctx, r.baseKey+int64(ordinal))
		switch {
		case err != nil:
			// A job that needs the database will fail on its own;
			// one that does not can still make progress.
			r.logger.Warn().Err(err).Str("job", job.Name).Msg("advisory lock unavailable, running unlocked")
		case !acquired:
			r.logger.Info().Str("job", job.Name).Time("fired", fired).Msg("another run holds the lock, skipping fire")
			r.record(run, storage.RunStatusSkipped, 0, nil)
			return
		default:
			defer unlock()
		}
	}

	attempts := 0
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("job", job.Name).Interface("panic", p).Msg("job panicked")
			r.record(run, storage.RunStatusFailed, attempts, fmt.Errorf("panic: %v", p))
		}
	}()

	operation := func() error {
		attempts++
		err := job.Run(ctx, fired)
		if err == nil {
			return nil
		}
		if !faults.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn().Err(err).Str("job", job.Name).Int("attempt", attempts).Msg("job attempt failed, retrying")
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(newLadder(r.delays), ctx))
	if err != nil {
		r.logger.Error().Err(err).Str("job", job.Name).Int("attempts", attempts).Msg("job failed")
		r.record(run, storage.RunStatusFailed, attempts, err)
		return
	}

	r.logger.Info().
		Str("job", job.Name).
		Int("attempts", attempts).
		Dur("elapsed", time.Since(run.StartedAt)).
		Msg("job finished")
	r.record(run, storage.RunStatusOK, attempts, nil)
}

func (r *Runner) record(run storage.JobRun, status string, attempts int, runErr error) {
	if r.runs == nil {
		return
	}

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	run.Status = status
	run.Attempts = attempts
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := r.runs.RecordJobRun(ctx, run); err != nil {
		r.logger.Warn().Err(err).Str("job", run.Job).Msg("job run audit failed")
	}
}

// ladder steps through the configured retry delays once, then stops.
type ladder struct {
	delays []time.Duration
	next   int
}

func newLadder(delays []time.Duration) *ladder {
	return &ladder{delays: delays}
}

func (l *ladder) NextBackOff() time.Duration {
	if l.next >= len(l.delays) {
		return backoff.Stop
	}
	d := l.delays[l.next]
	l.next++
	return d
}

func (l *ladder) Reset() { l.next = 0 }
