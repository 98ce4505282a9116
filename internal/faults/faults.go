// Package faults defines the error taxonomy shared by the detection and
// lifecycle pipelines. Every type wraps its cause and is matched with
// errors.As; none of them should ever terminate the orchestrator.
package faults

import (
	"errors"
	"fmt"
)

// InsufficientDataError reports a window too small for reliable
// detection or training. Callers skip the run.
type InsufficientDataError struct {
	Got  int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d readings, need at least %d", e.Got, e.Need)
}

// DataQualityError reports a validation failure ahead of training.
// The attempt is discarded with the reason; it never proceeds silently.
type DataQualityError struct {
	Reason string
}

func (e *DataQualityError) Error() string {
	return "data quality violation: " + e.Reason
}

// SourceUnavailableError reports a reading-source connectivity failure,
// as opposed to a source that answered with no rows.
type SourceUnavailableError struct {
	Op  string
	Err error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("reading source unavailable during %s: %v", e.Op, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// TrainingError reports a model fitting or evaluation failure. The
// attempt is discarded and no partial artifact is persisted.
type TrainingError struct {
	Stage string
	Err   error
}

func (e *TrainingError) Error() string {
	return fmt.Sprintf("training failed at %s: %v", e.Stage, e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// PromotionError reports a failed production pointer swap. It is fatal
// for the job cycle and must raise an alert: a half-applied promotion
// risks divergent production state.
type PromotionError struct {
	Step string
	Err  error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("promotion consistency violation at %s: %v", e.Step, e.Err)
}

func (e *PromotionError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error is worth retrying within the
// same job cycle. Only source connectivity failures qualify; data and
// training defects will not heal on a retry.
func IsRetryable(err error) bool {
	var src *SourceUnavailableError
	return errors.As(err, &src)
}

// IsSkip reports whether the error means "nothing to do this cycle"
// rather than a failure worth surfacing.
func IsSkip(err error) bool {
	var ins *InsufficientDataError
	return errors.As(err, &ins)
}
