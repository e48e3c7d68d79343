// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// NoStreamVersion is the version reported for a stream that has no events.
// The first event appended to a stream receives version 0.
const NoStreamVersion int64 = -1

// Event represents an immutable, committed event.
// Events are only ever created by the store; once committed they are never
// updated or deleted.
type Event struct {
	// CreatedAt is when the event was committed (UTC, microsecond precision)
	CreatedAt time.Time

	// StreamID identifies the stream this event belongs to
	StreamID string

	// EventType identifies the type of event
	EventType string

	// Payload contains the event document exactly as submitted
	Payload []byte

	// Metadata contains additional event metadata as a JSON document
	Metadata []byte

	// GlobalID orders events across all streams.
	// It is strictly increasing and unique.
	GlobalID int64

	// StreamVersion is the zero-based position of this event within its stream
	StreamVersion int64

	// TenantID is the optional tenant scope supplied by the caller
	TenantID uuid.NullUUID

	// EventID is a unique identifier for this event
	EventID uuid.UUID
}

// PendingEvent is an event built by a caller that has not been committed yet.
// It carries no version or global id; both are assigned by the store.
type PendingEvent struct {
	// EventType identifies the type of event (required)
	EventType string

	// Payload is the event document (required, JSON)
	Payload []byte

	// Metadata is an optional JSON document; it defaults to {}
	Metadata []byte

	// TenantID is the optional tenant scope
	TenantID uuid.NullUUID

	// EventID is optional; the store generates one when it is uuid.Nil
	EventID uuid.UUID
}

// Stream is the result of reading events for a single stream.
type Stream struct {
	// StreamID identifies the stream
	StreamID string

	// Events are ordered by StreamVersion ascending
	Events []Event
}

// Version returns the version of the last event in the stream,
// or NoStreamVersion when the stream holds no events.
func (s Stream) Version() int64 {
	if len(s.Events) == 0 {
		return NoStreamVersion
	}
	return s.Events[len(s.Events)-1].StreamVersion
}

// IsEmpty reports whether the stream holds no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}

// AppendResult describes the events committed by a single append.
type AppendResult struct {
	// StreamID is the stream the events were appended to
	StreamID string

	// Events are the committed events in append order
	Events []Event

	// Versions are the stream versions assigned to each event
	Versions []int64

	// GlobalIDs are the global ids assigned to each event
	GlobalIDs []int64
}

// IsEmpty reports whether nothing was appended.
func (r AppendResult) IsEmpty() bool {
	return len(r.Events) == 0
}

// FromVersion returns the first assigned version, or NoStreamVersion when empty.
func (r AppendResult) FromVersion() int64 {
	if len(r.Versions) == 0 {
		return NoStreamVersion
	}
	return r.Versions[0]
}

// ToVersion returns the last assigned version, or NoStreamVersion when empty.
func (r AppendResult) ToVersion() int64 {
	if len(r.Versions) == 0 {
		return NoStreamVersion
	}
	return r.Versions[len(r.Versions)-1]
}

// ReadStreamOptions bounds a stream read.
type ReadStreamOptions struct {
	// ToVersion is the inclusive upper bound; nil means unbounded
	ToVersion *int64

	// FromVersion is the inclusive lower bound
	FromVersion int64

	// Limit caps the number of returned events; 0 means no limit
	Limit int
}

// ReadAllOptions configures a read of the global feed.
type ReadAllOptions struct {
	// EventTypes restricts the feed to these event types; empty means all
	EventTypes []string

	// After is the exclusive lower bound on GlobalID
	After int64

	// BatchSize caps the number of returned events; 0 uses DefaultBatchSize
	BatchSize int
}

// DefaultBatchSize is the number of events returned by a feed read when no
// batch size is given.
const DefaultBatchSize = 100

// Limit returns the effective batch size.
func (o ReadAllOptions) Limit() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}
