package jobs

import (
	"fmt"
	"time"

	"energy-anomaly-alerts/internal/config"
)

// Trigger computes the next fire time strictly after now. All triggers
// work in UTC.
type Trigger interface {
	Next(now time.Time) time.Time
	String() string
}

// Interval fires every fixed duration, optionally aligned to wall-clock
// multiples of it.
type Interval struct {
	Every   time.Duration
	Aligned bool
}

// NewInterval constructs an interval trigger.
func NewInterval(every time.Duration, aligned bool) Interval {
	if every <= 0 {
		panic("jobs: interval must be positive")
	}
	return Interval{Every: every, Aligned: aligned}
}

// Next returns the next fire after now.
func (t Interval) Next(now time.Time) time.Time {
	now = now.UTC()
	if !t.Aligned {
		return now.Add(t.Every)
	}
	next := now.Truncate(t.Every)
	if !next.After(now) {
		next = next.Add(t.Every)
	}
	return next
}

func (t Interval) String() string {
	if t.Aligned {
		return fmt.Sprintf("every %s aligned", t.Every)
	}
	return fmt.Sprintf("every %s", t.Every)
}

// Daily fires once a day at a fixed UTC time.
type Daily struct {
	Hour   int
	Minute int
}

// NewDaily parses an "HH:MM" clock string.
func NewDaily(at string) (Daily, error) {
	h, m, err := config.ParseClock(at)
	if err != nil {
		return Daily{}, err
	}
	return Daily{Hour: h, Minute: m}, nil
}

// Next returns the next fire after now.
func (t Daily) Next(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (t Daily) String() string {
	return fmt.Sprintf("daily at %02d:%02d", t.Hour, t.Minute)
}

// Weekly fires once a week at a fixed weekday and UTC time.
type Weekly struct {
	Weekday time.Weekday
	Hour    int
	Minute  int
}

// NewWeekly parses a weekday name and an "HH:MM" clock string.
func NewWeekly(weekday, at string) (Weekly, error) {
	wd, err := config.ParseWeekday(weekday)
	if err != nil {
		return Weekly{}, err
	}
	h, m, err := config.ParseClock(at)
	if err != nil {
		return Weekly{}, err
	}
	return Weekly{Weekday: wd, Hour: h, Minute: m}, nil
}

// Next returns the next fire after now.
func (t Weekly) Next(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, time.UTC)
	next = next.AddDate(0, 0, (int(t.Weekday)-int(now.Weekday())+7)%7)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

func (t Weekly) String() string {
	return fmt.Sprintf("weekly on %s at %02d:%02d", t.Weekday, t.Hour, t.Minute)
}

// Monthly fires once a month at a fixed day and UTC time. Months
// shorter than Day fire on their last day instead.
type Monthly struct {
	Day    int
	Hour   int
	Minute int
}

// NewMonthly parses a day of month and an "HH:MM" clock string.
func NewMonthly(day int, at string) (Monthly, error) {
	if day < 1 || day > 31 {
		return Monthly{}, fmt.Errorf("day of month %d out of range", day)
	}
	h, m, err := config.ParseClock(at)
	if err != nil {
		return Monthly{}, err
	}
	return Monthly{Day: day, Hour: h, Minute: m}, nil
}

// Next returns the next fire after now.
func (t Monthly) Next(now time.Time) time.Time {
	now = now.UTC()
	next := t.inMonth(now.Year(), now.Month())
	if !next.After(now) {
		next = t.inMonth(now.Year(), now.Month()+1)
	}
	return next
}

func (t Monthly) String() string {
	return fmt.Sprintf("monthly on day %d at %02d:%02d", t.Day, t.Hour, t.Minute)
}

func (t Monthly) inMonth(year int, month time.Month) time.Time {
	day := t.Day
	if last := daysIn(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour, t.Minute, 0, 0, time.UTC)
}

// daysIn counts the days of a month; day zero of the next month
// normalises to the last day of this one.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
