package es

import (
	"fmt"
	"strconv"
	"strings"
)

// ExpectedVersion represents the expected stream version for optimistic concurrency control.
// It is used in the Append operation to declare expectations about the current state of a stream.
type ExpectedVersion struct {
	value int64
}

const (
	// expectedVersionAny indicates no version check should be performed
	expectedVersionAny = -2
	// expectedVersionNoStream indicates the stream must not exist
	expectedVersionNoStream = NoStreamVersion
)

// Any returns an ExpectedVersion that skips version validation.
// Use this when you don't need optimistic concurrency control.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream returns an ExpectedVersion that enforces the stream must not exist.
// Use this when the first event of a stream must only be written once.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionNoStream}
}

// Exact returns an ExpectedVersion that enforces the stream must be at exactly the specified version.
// Versions are zero-based, so Exact(0) means the stream holds exactly one event.
// The version must be non-negative (>= 0).
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// FromCurrent returns the ExpectedVersion matching a version previously read
// with GetStreamVersion: NoStream for NoStreamVersion, Exact otherwise.
func FromCurrent(current int64) ExpectedVersion {
	if current < 0 {
		return NoStream()
	}
	return Exact(current)
}

// IsAny returns true if this is an "Any" expected version (no version check).
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsNoStream returns true if this is a "NoStream" expected version (stream must not exist).
func (ev ExpectedVersion) IsNoStream() bool {
	return ev.value == expectedVersionNoStream
}

// IsExact returns true if this is an "Exact" expected version (stream must be at specific version).
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the exact version number if this is an Exact expected version.
// Returns NoStreamVersion for NoStream and Any.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return NoStreamVersion
}

// Matches reports whether a stream currently at version current satisfies
// the expectation.
func (ev ExpectedVersion) Matches(current int64) bool {
	switch {
	case ev.IsAny():
		return true
	case ev.IsNoStream():
		return current == NoStreamVersion
	default:
		return current == ev.value
	}
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	if ev.IsNoStream() {
		return "NoStream"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}

// ParseExpectedVersion parses the textual form used by the CLI and HTTP API:
// "any", "no_stream" or a non-negative version number.
func ParseExpectedVersion(s string) (ExpectedVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "any", "":
		return Any(), nil
	case "no_stream", "nostream", "no-stream":
		return NoStream(), nil
	}
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return ExpectedVersion{}, &ValidationError{
			Field:  "expected_version",
			Reason: fmt.Sprintf("%q is not any, no_stream or a non-negative version", s),
			Index:  -1,
		}
	}
	return Exact(v), nil
}
