package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AnomalyEvent is the audit row for one confirmed verdict. The reading
// source stays authoritative for raw data; these rows exist for reports
// and operator queries.
type AnomalyEvent struct {
	ID           uuid.UUID
	ObservedAt   time.Time
	PowerKW      float64
	DeviationPct float64
	Votes        int
	Methods      []string
	Category     string
	Score        float64
	Tier         string
	ModelVersion string
	WindowStart  time.Time
	WindowEnd    time.Time
	CreatedAt    time.Time
}

// AlertRecord captures an emitted notification for auditing.
type AlertRecord struct {
	ID        int64
	Kind      string
	Severity  string
	Subject   string
	Channels  []string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// JobRun records one orchestrated job cycle.
type JobRun struct {
	ID         uuid.UUID
	Job        string
	FiredAt    time.Time
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Attempts   int
	Error      *string
}

// Job run statuses.
const (
	RunStatusOK      = "ok"
	RunStatusFailed  = "failed"
	RunStatusSkipped = "skipped"
)
