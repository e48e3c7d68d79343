// Package store provides event store abstractions implemented by the adapters.
package store

import (
	"context"
	"database/sql"

	"github.com/getpup/pupledger/es"
)

// EventStore defines the interface for appending events.
type EventStore interface {
	// Append atomically appends events to one stream within the provided transaction.
	// Returns the committed events with their assigned versions and global ids.
	//
	// The adapter serializes concurrent appenders to the same stream, reads the
	// current MAX(stream_version) under that lock, checks expectedVersion and
	// inserts consecutive versions starting at current + 1. The unique constraint on
	// (stream_id, stream_version) is a safety net: a violation is reported as a
	// *es.ConcurrencyConflictError as well.
	//
	// An empty events slice is a no-op and returns an empty result.
	// Callers are expected to validate events beforehand (es.ValidatePending).
	Append(ctx context.Context, tx es.DBTX, streamID string, expectedVersion es.ExpectedVersion, events []es.PendingEvent) (es.AppendResult, error)
}

// StreamReader reads single streams.
type StreamReader interface {
	// ReadStream returns the events of one stream ordered by version ascending.
	// An unknown or exhausted stream yields an empty es.Stream, not an error.
	ReadStream(ctx context.Context, tx es.DBTX, streamID string, opts es.ReadStreamOptions) (es.Stream, error)

	// GetStreamVersion returns the stream's current version or es.NoStreamVersion.
	GetStreamVersion(ctx context.Context, tx es.DBTX, streamID string) (int64, error)
}

// EventReader defines the interface for reading the global feed.
type EventReader interface {
	// ReadAll returns up to opts.Limit() events with GlobalID > opts.After,
	// ordered by GlobalID ascending, optionally filtered by event type.
	ReadAll(ctx context.Context, tx es.DBTX, opts es.ReadAllOptions) ([]es.Event, error)
}

// SubscriptionStore persists subscription cursors.
type SubscriptionStore interface {
	// GetSubscriptionPosition returns the stored position, or 0 when absent.
	GetSubscriptionPosition(ctx context.Context, tx es.DBTX, subscriptionID string) (int64, error)

	// UpdateSubscriptionPosition creates the cursor or moves it forward.
	// Positions lower than or equal to the stored one are ignored.
	UpdateSubscriptionPosition(ctx context.Context, tx es.DBTX, subscriptionID string, position int64) error
}

// Adapter is implemented by every database adapter.
type Adapter interface {
	EventStore
	StreamReader
	EventReader
	SubscriptionStore

	// Dialect names the backend, e.g. "postgres".
	Dialect() string

	// ClassifyError maps a driver error from this backend onto
	// *es.TransientStorageError or *es.FatalSchemaError.
	ClassifyError(op string, err error) error
}

// AppendTxOptioner is implemented by adapters whose appends need specific
// transaction options, such as an isolation level that avoids gap locks.
type AppendTxOptioner interface {
	AppendTxOptions() *sql.TxOptions
}

// AppendTxOptions returns the options adapter wants for append transactions,
// or nil for the driver defaults.
func AppendTxOptions(adapter Adapter) *sql.TxOptions {
	if o, ok := adapter.(AppendTxOptioner); ok {
		return o.AppendTxOptions()
	}
	return nil
}
