package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsAsThroughWrapping(t *testing.T) {
	base := &SourceUnavailableError{Op: "fetch window", Err: errors.New("connection refused")}
	wrapped := fmt.Errorf("scan cycle: %w", base)

	var target *SourceUnavailableError
	if !errors.As(wrapped, &target) {
		t.Fatal("expected errors.As to find SourceUnavailableError through wrapping")
	}
	if target.Op != "fetch window" {
		t.Fatalf("unexpected op: %q", target.Op)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&SourceUnavailableError{Op: "query", Err: errors.New("timeout")}, true},
		{fmt.Errorf("outer: %w", &SourceUnavailableError{Op: "query", Err: errors.New("down")}), true},
		{&DataQualityError{Reason: "null ratio 0.12 exceeds 0.05"}, false},
		{&TrainingError{Stage: "fit", Err: errors.New("singular matrix")}, false},
		{&InsufficientDataError{Got: 20, Need: 30}, false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestIsSkip(t *testing.T) {
	if !IsSkip(&InsufficientDataError{Got: 20, Need: 30}) {
		t.Fatal("insufficient data must be a skip")
	}
	if IsSkip(&PromotionError{Step: "rename", Err: errors.New("disk full")}) {
		t.Fatal("promotion failure must never be treated as a skip")
	}
}

func TestMessagesCarryContext(t *testing.T) {
	e := &InsufficientDataError{Got: 20, Need: 30}
	if got := e.Error(); got != "insufficient data: 20 readings, need at least 30" {
		t.Fatalf("unexpected message: %q", got)
	}

	p := &PromotionError{Step: "pointer rename", Err: errors.New("EACCES")}
	if !errors.Is(p, p.Err) && p.Unwrap() != p.Err {
		t.Fatal("promotion error must unwrap its cause")
	}
}
