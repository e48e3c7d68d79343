package es

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection reset")
	conflict := &ConcurrencyConflictError{StreamID: "task-1", Expected: Exact(0), Actual: 1}
	validation := &ValidationError{Field: "payload", Reason: "must not be empty", Index: 2}
	transient := &TransientStorageError{Op: "insert", Err: cause}
	fatal := &FatalSchemaError{Op: "insert", Err: cause}

	tests := []struct {
		err       error
		sentinel  error
		retryable bool
	}{
		{err: conflict, sentinel: ErrConcurrencyConflict, retryable: true},
		{err: fmt.Errorf("wrapped: %w", conflict), sentinel: ErrConcurrencyConflict, retryable: true},
		{err: validation, sentinel: ErrValidation, retryable: false},
		{err: transient, sentinel: ErrTransient, retryable: true},
		{err: fatal, sentinel: ErrFatalSchema, retryable: false},
	}

	for _, tt := range tests {
		if !errors.Is(tt.err, tt.sentinel) {
			t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.sentinel)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.retryable)
		}
	}

	if !errors.Is(transient, cause) || !errors.Is(fatal, cause) {
		t.Error("storage errors must unwrap to their cause")
	}
	if errors.Is(conflict, ErrValidation) {
		t.Error("conflict must not match ErrValidation")
	}
}

func TestErrorMessages(t *testing.T) {
	conflict := &ConcurrencyConflictError{StreamID: "task-1", Expected: Exact(0), Actual: 1}
	if got, want := conflict.Error(), `concurrency conflict on stream "task-1": expected Exact(0), actual 1`; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	indexed := &ValidationError{Field: "payload", Reason: "must not be empty", Index: 2}
	if got, want := indexed.Error(), "invalid event 2: payload: must not be empty"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	unindexed := &ValidationError{Field: "stream_id", Reason: "must not be empty", Index: -1}
	if got, want := unindexed.Error(), "invalid stream_id: must not be empty"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
