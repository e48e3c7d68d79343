package es

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict matches any *ConcurrencyConflictError via errors.Is.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrTransient matches any *TransientStorageError via errors.Is.
	ErrTransient = errors.New("transient storage error")

	// ErrFatalSchema matches any *FatalSchemaError via errors.Is.
	ErrFatalSchema = errors.New("fatal schema error")
)

// ConcurrencyConflictError is returned by Append when the stream's current
// version does not satisfy the caller's expected version. No rows are written.
type ConcurrencyConflictError struct {
	StreamID string
	Expected ExpectedVersion
	// Actual is the stream version observed under lock, or NoStreamVersion.
	Actual int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %q: expected %s, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) work.
func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ValidationError reports a malformed event rejected before any persistence attempt.
type ValidationError struct {
	// Field names the offending field, e.g. "event_type" or "payload"
	Field string
	// Reason describes the problem
	Reason string
	// Index is the position of the event in the append call, or -1
	Index int
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid event %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) work.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransientStorageError wraps a storage failure that is safe to retry with
// backoff: lost connections, timeouts, deadlocks, busy databases.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("%s: transient storage error: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrTransient) work.
func (e *TransientStorageError) Is(target error) bool {
	return target == ErrTransient
}

// FatalSchemaError wraps a constraint or schema failure unrelated to the
// version check. It is never retried automatically.
type FatalSchemaError struct {
	Op  string
	Err error
}

func (e *FatalSchemaError) Error() string {
	return fmt.Sprintf("%s: schema error: %v", e.Op, e.Err)
}

func (e *FatalSchemaError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFatalSchema) work.
func (e *FatalSchemaError) Is(target error) bool {
	return target == ErrFatalSchema
}

// IsConcurrencyConflict reports whether err is a concurrency conflict.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsTransient reports whether err is a transient storage error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsRetryable reports whether a command may retry after err, either with a
// refreshed expected version (conflict) or after backoff (transient).
func IsRetryable(err error) bool {
	return IsConcurrencyConflict(err) || IsTransient(err)
}
