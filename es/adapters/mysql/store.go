// Package mysql provides a MySQL/MariaDB adapter for the event ledger.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/store"
)

const eventColumns = `global_id, stream_id, stream_version, event_id, event_type,
			payload, metadata, tenant_id, created_at`

// StoreConfig contains configuration for the MySQL event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// SubscriptionsTable is the name of the subscription cursors table
	SubscriptionsTable string

	// CommitWindow is how long ReadAll waits for an id gap to be filled by a
	// transaction still in flight before treating it as a rollback.
	// It must exceed the longest append transaction plus clock skew between
	// writers and readers. Zero disables the hold back.
	CommitWindow time.Duration
}

// DefaultCommitWindow is the CommitWindow of DefaultStoreConfig.
const DefaultCommitWindow = 10 * time.Second

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:        "events",
		SubscriptionsTable: "subscription_cursors",
		CommitWindow:       DefaultCommitWindow,
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

// WithCommitWindow sets how long ReadAll holds events back behind an id gap.
func WithCommitWindow(window time.Duration) StoreOption {
	return func(c *StoreConfig) {
		c.CommitWindow = window
	}
}

// NewStoreConfig creates a new store configuration with functional options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a MySQL-backed event store implementation.
//
// Append locks the stream's head row with SELECT ... FOR UPDATE inside a
// READ COMMITTED transaction (see AppendTxOptions), so InnoDB takes record
// locks only and appends to other streams never wait on a gap lock. An
// empty stream has no row to lock: two first appenders both insert version
// 0 and the loser fails the unique key, which is reported as a conflict.
//
// AUTO_INCREMENT ids become visible in commit order, not id order, so
// ReadAll stops a batch at an id gap younger than CommitWindow.
//
// The DSN must set parseTime=true.
type Store struct {
	config StoreConfig
}

var _ store.Adapter = (*Store)(nil)

// NewStore creates a new MySQL event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Dialect implements store.Adapter.
func (s *Store) Dialect() string {
	return "mysql"
}

// AppendTxOptions implements store.AppendTxOptioner.
func (s *Store) AppendTxOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
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

	lockQuery := fmt.Sprintf(`
		SELECT stream_version
		FROM %s
		WHERE stream_id = ?
		ORDER BY stream_version DESC
		LIMIT 1
		FOR UPDATE
	`, s.config.EventsTable)

	currentVersion := es.NoStreamVersion
	err := tx.QueryRowContext(ctx, lockQuery, streamID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return es.AppendResult{}, classify("lock stream", err)
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
			createdAt,
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

	if len(events) > 0 && s.config.CommitWindow > 0 {
		events, err = s.holdBack(ctx, tx, opts, events)
		if err != nil {
			return nil, err
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "events read", "count", len(events))
	}

	return events, nil
}

// feedRow is one committed id in the range a ReadAll batch covers.
type feedRow struct {
	createdAt time.Time
	id        int64
	// unread marks a row the batch should contain but does not: it
	// committed after the batch query ran.
	unread bool
}

// holdBack trims events before the first id that a transaction still in
// flight may fill. It re-reads the ids of (After, last] and compares them
// with the batch.
func (s *Store) holdBack(ctx context.Context, tx es.DBTX, opts es.ReadAllOptions, events []es.Event) ([]es.Event, error) {
	last := events[len(events)-1].GlobalID
	if last-opts.After == int64(len(events)) {
		// every id in range is present
		return events, nil
	}

	query := fmt.Sprintf(`
		SELECT global_id, event_type, created_at
		FROM %s
		WHERE global_id > ? AND global_id <= ?
		ORDER BY global_id ASC
	`, s.config.EventsTable)
	rows, err := tx.QueryContext(ctx, query, opts.After, last)
	if err != nil {
		return nil, classify("query feed ids", err)
	}
	defer rows.Close()

	returned := make(map[int64]bool, len(events))
	for i := range events {
		returned[events[i].GlobalID] = true
	}

	var ids []feedRow
	for rows.Next() {
		var (
			r         feedRow
			eventType string
		)
		if err := rows.Scan(&r.id, &eventType, &r.createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan feed id: %w", err)
		}
		wanted := len(opts.EventTypes) == 0 || slices.Contains(opts.EventTypes, eventType)
		r.unread = wanted && !returned[r.id]
		ids = append(ids, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate feed ids", err)
	}

	cutoff := gapCutoff(opts.After, ids, time.Now().Add(-s.config.CommitWindow))
	if cutoff == 0 {
		return events, nil
	}
	n := sort.Search(len(events), func(i int) bool { return events[i].GlobalID >= cutoff })
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "holding back events behind uncommitted ids",
			"after", opts.After,
			"cutoff", cutoff,
			"held", len(events)-n)
	}
	return events[:n], nil
}

// gapCutoff returns the first id a batch must not deliver yet, or 0 when the
// whole range is safe. A row created after horizon that follows a missing id
// may be overtaking a transaction that has not committed.
func gapCutoff(after int64, ids []feedRow, horizon time.Time) int64 {
	next := after + 1
	for _, r := range ids {
		if r.unread {
			return r.id
		}
		if r.id > next && r.createdAt.After(horizon) {
			return r.id
		}
		next = r.id + 1
	}
	return 0
}

func scanEvents(rows *sql.Rows) ([]es.Event, error) {
	defer rows.Close()

	var events []es.Event
	for rows.Next() {
		var e es.Event
		err := rows.Scan(
			&e.GlobalID,
			&e.StreamID,
			&e.StreamVersion,
			&e.EventID,
			&e.EventType,
			&e.Payload,
			&e.Metadata,
			&e.TenantID,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, classify("iterate rows", err)
	}
	return events, nil
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
		INSERT INTO %s (subscription_id, last_position)
		VALUES (?, ?)
		ON DUPLICATE KEY UPDATE
			last_position = GREATEST(last_position, VALUES(last_position))
	`, s.config.SubscriptionsTable)

	if _, err := tx.ExecContext(ctx, query, subscriptionID, position); err != nil {
		return classify("update subscription position", err)
	}
	return nil
}
