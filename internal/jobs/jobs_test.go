package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"energy-anomaly-alerts/internal/config"
	"energy-anomaly-alerts/internal/faults"
	"energy-anomaly-alerts/internal/storage"
)

func TestIntervalTrigger(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 17, 30, 0, time.UTC)

	aligned := NewInterval(time.Hour, true)
	if got := aligned.Next(now); !got.Equal(time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("aligned Next = %v, want 11:00", got)
	}

	free := NewInterval(time.Hour, false)
	if got := free.Next(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("unaligned Next = %v, want now+1h", got)
	}

	onBoundary := time.Date(2025, 3, 10, 11, 0, 0, 0, time.UTC)
	if got := aligned.Next(onBoundary); !got.Equal(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("aligned Next on a boundary = %v, want the following one", got)
	}
}

func TestDailyTrigger(t *testing.T) {
	trigger, err := NewDaily("03:00")
	if err != nil {
		t.Fatalf("NewDaily returned %v", err)
	}

	before := time.Date(2025, 3, 10, 1, 30, 0, 0, time.UTC)
	if got := trigger.Next(before); !got.Equal(time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next before fire time = %v, want today 03:00", got)
	}

	after := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if got := trigger.Next(after); !got.Equal(time.Date(2025, 3, 11, 3, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next after fire time = %v, want tomorrow 03:00", got)
	}

	if _, err := NewDaily("25:99"); err == nil {
		t.Fatal("NewDaily accepted an invalid clock")
	}
}

func TestWeeklyTrigger(t *testing.T) {
	trigger, err := NewWeekly("monday", "04:30")
	if err != nil {
		t.Fatalf("NewWeekly returned %v", err)
	}

	// 2025-03-12 is a Wednesday.
	wednesday := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	if got := trigger.Next(wednesday); !got.Equal(time.Date(2025, 3, 17, 4, 30, 0, 0, time.UTC)) {
		t.Fatalf("Next from Wednesday = %v, want next Monday 04:30", got)
	}

	mondayEarly := time.Date(2025, 3, 17, 2, 0, 0, 0, time.UTC)
	if got := trigger.Next(mondayEarly); !got.Equal(time.Date(2025, 3, 17, 4, 30, 0, 0, time.UTC)) {
		t.Fatalf("Next on Monday morning = %v, want the same day", got)
	}

	mondayLate := time.Date(2025, 3, 17, 8, 0, 0, 0, time.UTC)
	if got := trigger.Next(mondayLate); !got.Equal(time.Date(2025, 3, 24, 4, 30, 0, 0, time.UTC)) {
		t.Fatalf("Next on Monday evening = %v, want a week later", got)
	}

	if _, err := NewWeekly("someday", "04:30"); err == nil {
		t.Fatal("NewWeekly accepted an unknown weekday")
	}
}

func TestMonthlyTriggerClampsShortMonths(t *testing.T) {
	trigger, err := NewMonthly(31, "02:00")
	if err != nil {
		t.Fatalf("NewMonthly returned %v", err)
	}

	february := time.Date(2025, 2, 10, 0, 0, 0, 0, time.UTC)
	if got := trigger.Next(february); !got.Equal(time.Date(2025, 2, 28, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next in February = %v, want the 28th", got)
	}

	pastFire := time.Date(2025, 2, 28, 3, 0, 0, 0, time.UTC)
	if got := trigger.Next(pastFire); !got.Equal(time.Date(2025, 3, 31, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next after the clamped fire = %v, want March 31st", got)
	}

	yearEnd := time.Date(2025, 12, 31, 3, 0, 0, 0, time.UTC)
	if got := trigger.Next(yearEnd); !got.Equal(time.Date(2026, 1, 31, 2, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next across the year boundary = %v, want January 31st", got)
	}

	if _, err := NewMonthly(0, "02:00"); err == nil {
		t.Fatal("NewMonthly accepted day zero")
	}
}

func TestLadderStopsAfterDelays(t *testing.T) {
	l := newLadder([]time.Duration{time.Minute, 5 * time.Minute})
	if d := l.NextBackOff(); d != time.Minute {
		t.Fatalf("first delay = %v, want 1m", d)
	}
	if d := l.NextBackOff(); d != 5*time.Minute {
		t.Fatalf("second delay = %v, want 5m", d)
	}
	if d := l.NextBackOff(); d != backoff.Stop {
		t.Fatalf("third delay = %v, want Stop", d)
	}
	l.Reset()
	if d := l.NextBackOff(); d != time.Minute {
		t.Fatalf("delay after Reset = %v, want 1m", d)
	}
}

type fakeLocker struct {
	mu       sync.Mutex
	acquired bool
	keys     []int64
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	if !f.acquired {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []storage.JobRun
}

func (f *fakeRuns) RecordJobRun(ctx context.Context, run storage.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRuns) ListRecentRuns(ctx context.Context, job string, limit int) ([]storage.JobRun, error) {
	return nil, nil
}

func (f *fakeRuns) snapshot() []storage.JobRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.JobRun, len(f.runs))
	copy(out, f.runs)
	return out
}

func testJobsConfig() config.JobsConfig {
	return config.JobsConfig{
		LockBaseKey: 7000,
		RetryDelays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}
}

func runUntil(t *testing.T, runner *Runner, done <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runner.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner never reached the expected state")
	}
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunnerExecutesAndRecords(t *testing.T) {
	locker := &fakeLocker{acquired: true}
	runs := &fakeRuns{}
	runner := NewRunner(testJobsConfig(), locker, runs, zerolog.Nop())

	done := make(chan struct{})
	var count int32
	runner.Add(Job{
		Name:    "scan",
		Trigger: NewInterval(20*time.Millisecond, false),
		Run: func(ctx context.Context, fired time.Time) error {
			if atomic.AddInt32(&count, 1) == 2 {
				close(done)
			}
			return nil
		},
	})
	runUntil(t, runner, done)

	recs := runs.snapshot()
	if len(recs) < 2 {
		t.Fatalf("recorded %d runs, want at least 2", len(recs))
	}
	for _, rec := range recs[:2] {
		if rec.Job != "scan" || rec.Status != storage.RunStatusOK || rec.Attempts != 1 {
			t.Fatalf("run record = %+v, want ok scan with one attempt", rec)
		}
		if rec.FinishedAt == nil || rec.Error != nil {
			t.Fatalf("run record = %+v, want finished without error", rec)
		}
	}

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.keys) == 0 || locker.keys[0] != 7000 {
		t.Fatalf("lock keys = %v, want base key 7000", locker.keys)
	}
}

func TestRunnerSkipsWhenLockHeld(t *testing.T) {
	locker := &fakeLocker{acquired: false}
	runs := &fakeRuns{}
	runner := NewRunner(testJobsConfig(), locker, runs, zerolog.Nop())

	done := make(chan struct{})
	var once sync.Once
	var count int32
	runner.Add(Job{
		Name:    "scan",
		Trigger: NewInterval(15*time.Millisecond, false),
		Run: func(ctx context.Context, fired time.Time) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})
	go func() {
		for {
			for _, rec := range runs.snapshot() {
				if rec.Status == storage.RunStatusSkipped {
					once.Do(func() { close(done) })
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	runUntil(t, runner, done)

	if atomic.LoadInt32(&count) != 0 {
		t.Fatal("job body ran although the lock was held elsewhere")
	}
}

func TestRunnerRetriesSourceFailures(t *testing.T) {
	runs := &fakeRuns{}
	runner := NewRunner(testJobsConfig(), &fakeLocker{acquired: true}, runs, zerolog.Nop())

	done := make(chan struct{})
	var calls int32
	runner.Add(Job{
		Name:    "train",
		Trigger: NewInterval(500*time.Millisecond, false),
		Run: func(ctx context.Context, fired time.Time) error {
			n := atomic.AddInt32(&calls, 1)
			if n < 3 {
				return &faults.SourceUnavailableError{Op: "list readings", Err: errors.New("connection refused")}
			}
			close(done)
			return nil
		},
	})
	runUntil(t, runner, done)

	recs := runs.snapshot()
	if len(recs) == 0 {
		t.Fatal("no run recorded")
	}
	if recs[0].Status != storage.RunStatusOK || recs[0].Attempts != 3 {
		t.Fatalf("run record = %+v, want ok after three attempts", recs[0])
	}
}

func TestRunnerDoesNotRetryDataDefects(t *testing.T) {
	runs := &fakeRuns{}
	runner := NewRunner(testJobsConfig(), &fakeLocker{acquired: true}, runs, zerolog.Nop())

	done := make(chan struct{})
	var once sync.Once
	var calls int32
	runner.Add(Job{
		Name:    "train",
		Trigger: NewInterval(500*time.Millisecond, false),
		Run: func(ctx context.Context, fired time.Time) error {
			atomic.AddInt32(&calls, 1)
			once.Do(func() { close(done) })
			return &faults.DataQualityError{Reason: "null ratio 0.500 exceeds 0.05"}
		},
	})
	runUntil(t, runner, done)

	recs := runs.snapshot()
	if len(recs) == 0 {
		t.Fatal("no run recorded")
	}
	if recs[0].Status != storage.RunStatusFailed || recs[0].Attempts != 1 {
		t.Fatalf("run record = %+v, want failed after a single attempt", recs[0])
	}
	if recs[0].Error == nil || !strings.Contains(*recs[0].Error, "null ratio") {
		t.Fatalf("run record error = %v, want the data quality reason", recs[0].Error)
	}
}

func TestRunnerSurvivesPanickingJob(t *testing.T) {
	runs := &fakeRuns{}
	runner := NewRunner(testJobsConfig(), &fakeLocker{acquired: true}, runs, zerolog.Nop())

	done := make(chan struct{})
	var calls int32
	runner.Add(Job{
		Name:    "report",
		Trigger: NewInterval(20*time.Millisecond, false),
		Run: func(ctx context.Context, fired time.Time) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				panic("chart renderer exploded")
			}
			close(done)
			return nil
		},
	})
	runUntil(t, runner, done)

	recs := runs.snapshot()
	if len(recs) < 2 {
		t.Fatalf("recorded %d runs, want the panicked fire plus the next one", len(recs))
	}
	if recs[0].Status != storage.RunStatusFailed || recs[0].Error == nil || !strings.Contains(*recs[0].Error, "panic") {
		t.Fatalf("first record = %+v, want a failed run with the panic message", recs[0])
	}
	if recs[1].Status != storage.RunStatusOK {
		t.Fatalf("second record = %+v, want the loop to keep firing", recs[1])
	}
}

func TestRunnerRejectsInvalidJob(t *testing.T) {
	runner := NewRunner(testJobsConfig(), nil, nil, zerolog.Nop())
	defer func() {
		if recover() == nil {
			t.Fatal("Add accepted a job without a run function")
		}
	}()
	runner.Add(Job{Name: "broken", Trigger: NewInterval(time.Second, false)})
}
