// Package sqlite provides a SQLite adapter for the event ledger.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/store"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"

	eventColumns = `global_id, stream_id, stream_version, event_id, event_type,
			payload, metadata, tenant_id, created_at`
)

// StoreConfig contains configuration for the SQLite event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// SubscriptionsTable is the name of the subscription cursors table
	SubscriptionsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:        "events",
		SubscriptionsTable: "subscription_cursors",
		Logger:             nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithSubscriptionsTable sets a custom subscription cursors table name.
func WithSubscriptionsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.SubscriptionsTable = tableName
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := sqlite.NewStoreConfig(
//	    sqlite.WithLogger(myLogger),
//	    sqlite.WithEventsTable("custom_events"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed event store implementation.
//
// SQLite allows a single writer. Transactions must be opened with
// BEGIN IMMEDIATE (see DSN) so the version read in Append already holds
// the write lock and concurrent appenders queue on busy_timeout.
type Store struct {
	config StoreConfig
}

var _ store.Adapter = (*Store)(nil)

// NewStore creates a new SQLite event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Dialect implements store.Adapter.
func (s *Store) Dialect() string {
	return "sqlite"
}

// Append implements store.EventStore.
//
//nolint:gocyclo // Cyclomatic complexity is acceptable here - comes from necessary logging and validation checks
func (s *Store) Append(ctx context.Context, tx es.DBTX, streamID string, expectedVersion es.ExpectedVersion, events []es.PendingEvent) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{StreamID: streamID}, nil
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"stream_id", streamID,
			"event_count", len(events),
			"expected_version", expectedVersion.String())
	}

	currentVersion, err := s.GetStreamVersion(ctx, tx, streamID)
	if err != nil {
		return es.AppendResult{}, err
	}

	if !expectedVersion.Matches(currentVersion) {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected version validation failed",
				"stream_id", streamID,
				"current_version", currentVersion,
				"expected_version", expectedVersion.String())
		}
		return es.AppendResult{}, &es.ConcurrencyConflictError{
			StreamID: streamID,
			Expected: expectedVersion,
			Actual:   currentVersion,
		}
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			stream_id, stream_version, event_id, event_type,
			payload, metadata, tenant_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	createdAt := time.Now().UTC().Truncate(time.Microsecond)
	result := es.AppendResult{
		StreamID:  streamID,
		Events:    make([]es.Event, len(events)),
		Versions:  make([]int64, len(events)),
		GlobalIDs: make([]int64, len(events)),
	}

	for i := range events {
		pending := &events[i]
		version := currentVersion + 1 + int64(i)

		eventID := pending.EventID
		if eventID == uuid.Nil {
			eventID = uuid.New()
		}
		metadata := es.MetadataOrDefault(pending.Metadata)

		var tenantID interface{}
		if pending.TenantID.Valid {
			tenantID = pending.TenantID.UUID.String()
		}

		res, execErr := tx.ExecContext(ctx, insertQuery,
			streamID,
			version,
			eventID.String(),
			pending.EventType,
			pending.Payload,
			metadata,
			tenantID,
			createdAt.Format(sqliteDateTimeFormat),
		)
		if execErr != nil {
			if IsVersionConflict(execErr) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "optimistic concurrency conflict",
						"stream_id", streamID,
						"stream_version", version)
				}
				return es.AppendResult{}, &es.ConcurrencyConflictError{
					StreamID: streamID,
					Expected: expectedVersion,
					Actual:   currentVersion,
				}
			}
			return es.AppendResult{}, classify(fmt.Sprintf("insert event %d", i), execErr)
		}

		globalID, idErr := res.LastInsertId()
		if idErr != nil {
			return es.AppendResult{}, classify("last insert id", idErr)
		}

		result.Versions[i] = version
		result.GlobalIDs[i] = globalID
		result.Events[i] = es.Event{
			CreatedAt:     createdAt,
			StreamID:      streamID,
			EventType:     pending.EventType,
			Payload:       pending.Payload,
			Metadata:      metadata,
			GlobalID:      globalID,
			StreamVersion: version,
			TenantID:      pending.TenantID,
			EventID:       eventID,
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"stream_id", streamID,
			"event_count", len(events),
			"version_range", fmt.Sprintf("%d-%d", result.FromVersion(), result.ToVersion()),
			"global_ids", result.GlobalIDs)
	}

	return result, nil
}

// GetStreamVersion implements store.StreamReader.
func (s *Store) GetStreamVersion(ctx context.Context, tx es.DBTX, streamID string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COALESCE(MAX(stream_version), -1)
		FROM %s
		WHERE stream_id = ?
	`, s.config.EventsTable)

	var version int64
	if err := tx.QueryRowContext(ctx, query, streamID).Scan(&version); err != nil {
		return 0, classify("read stream version", err)
	}
	return version, nil
}

// ReadStream implements store.StreamReader.
func (s *Store) ReadStream(ctx context.Context, tx es.DBTX, streamID string, opts es.ReadStreamOptions) (es.Stream, error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading stream",
			"stream_id", streamID,
			"from_version", opts.FromVersion,
			"to_version", opts.ToVersion)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_id = ? AND stream_version >= ?
	`, eventColumns, s.config.EventsTable)
	args := []interface{}{streamID, opts.FromVersion}

	if opts.ToVersion != nil {
		query += " AND stream_version <= ?"
		args = append(args, *opts.ToVersion)
	}

	// Always order by stream_version ASC
	query += " ORDER BY stream_version ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return es.Stream{}, classify("query stream", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return es.Stream{}, err
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "stream read",
			"stream_id", streamID,
			"event_count", len(events))
	}

	return es.Stream{StreamID: streamID, Events: events}, nil
}

// ReadAll implements store.EventReader.
func (s *Store) ReadAll(ctx context.Context, tx es.DBTX, opts es.ReadAllOptions) ([]es.Event, error) {
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading events",
			"after", opts.After,
			"limit", opts.Limit(),
			"event_types", opts.EventTypes)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_id > ?
	`, eventColumns, s.config.EventsTable)
	args := []interface{}{opts.After}

	if len(opts.EventTypes) > 0 {
		placeholders := make([]string, len(opts.EventTypes))
		for i, eventType := range opts.EventTypes {
			placeholders[i] = "?"
			args = append(args, eventType)
		}
		query += " AND event_type IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY global_id ASC LIMIT ?"
	args = append(args, opts.Limit())

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query events", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events read", "count", len(events))
	}

	return events, nil
}

func scanEvents(rows *sql.Rows) ([]es.Event, error) {
	defer rows.Close()

	var events []es.Event
	for rows.Next() {
		var e es.Event
		var createdAt string

		err := rows.Scan(
			&e.GlobalID,
			&e.StreamID,
			&e.StreamVersion,
			&e.EventID,
			&e.EventType,
			&e.Payload,
			&e.Metadata,
			&e.TenantID,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.CreatedAt, err = parseTimestamp(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return events, nil
}

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses SQLite datetime strings to time.Time
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// GetSubscriptionPosition implements store.SubscriptionStore.
func (s *Store) GetSubscriptionPosition(ctx context.Context, tx es.DBTX, subscriptionID string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT last_position
		FROM %s
		WHERE subscription_id = ?
	`, s.config.SubscriptionsTable)

	var position int64
	err := tx.QueryRowContext(ctx, query, subscriptionID).Scan(&position)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, classify("read subscription position", err)
	}
	return position, nil
}

// UpdateSubscriptionPosition implements store.SubscriptionStore.
func (s *Store) UpdateSubscriptionPosition(ctx context.Context, tx es.DBTX, subscriptionID string, position int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (subscription_id, last_position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (subscription_id)
		DO UPDATE SET
			last_position = excluded.last_position,
			updated_at = excluded.updated_at
		WHERE excluded.last_position > %s.last_position
	`, s.config.SubscriptionsTable, s.config.SubscriptionsTable)

	now := time.Now().UTC().Format(sqliteDateTimeFormat)
	if _, err := tx.ExecContext(ctx, query, subscriptionID, position, now); err != nil {
		return classify("update subscription position", err)
	}
	return nil
}
