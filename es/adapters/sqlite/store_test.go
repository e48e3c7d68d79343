package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/adapters/sqlite"
	"github.com/getpup/pupledger/es/migrations"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqlite.OpenDB(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	config := migrations.DefaultConfig()
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite, &config))
	return db
}

func appendTx(t *testing.T, db *sql.DB, s *sqlite.Store, streamID string, expected es.ExpectedVersion, events ...es.PendingEvent) (es.AppendResult, error) {
	t.Helper()
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	result, err := s.Append(ctx, tx, streamID, expected, events)
	if err != nil {
		_ = tx.Rollback()
		return result, err
	}
	require.NoError(t, tx.Commit())
	return result, nil
}

func pending(eventType, payload string) es.PendingEvent {
	return es.PendingEvent{EventType: eventType, Payload: []byte(payload)}
}

func TestAppend_NewStreamStartsAtZero(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	result, err := appendTx(t, db, s, "order-1", es.NoStream(),
		pending("OrderPlaced", `{"total": 10}`),
		pending("OrderPaid", `{"amount":10}`),
	)
	require.NoError(t, err)

	assert.Equal(t, []int64{0, 1}, result.Versions)
	require.Len(t, result.GlobalIDs, 2)
	assert.Less(t, result.GlobalIDs[0], result.GlobalIDs[1])
	assert.NotEqual(t, uuid.Nil, result.Events[0].EventID)
	assert.Equal(t, []byte(`{}`), result.Events[0].Metadata)

	version, err := s.GetStreamVersion(context.Background(), db, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestAppend_PayloadIsStoredByteForByte(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	payload := `{ "b": 1,   "a": [1, 2] }`
	tenant := uuid.NullUUID{UUID: uuid.New(), Valid: true}
	eventID := uuid.New()
	_, err := appendTx(t, db, s, "doc-1", es.Any(), es.PendingEvent{
		EventType: "Written",
		Payload:   []byte(payload),
		Metadata:  []byte(`{"trace":"abc"}`),
		TenantID:  tenant,
		EventID:   eventID,
	})
	require.NoError(t, err)

	stream, err := s.ReadStream(context.Background(), db, "doc-1", es.ReadStreamOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, stream.Len())

	e := stream.Events[0]
	assert.Equal(t, payload, string(e.Payload))
	assert.Equal(t, `{"trace":"abc"}`, string(e.Metadata))
	assert.Equal(t, tenant, e.TenantID)
	assert.Equal(t, eventID, e.EventID)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestAppend_ExpectedVersion(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	_, err := appendTx(t, db, s, "acc-1", es.NoStream(), pending("Opened", `{}`))
	require.NoError(t, err)

	t.Run("no stream on existing stream", func(t *testing.T) {
		_, err := appendTx(t, db, s, "acc-1", es.NoStream(), pending("Opened", `{}`))
		var conflict *es.ConcurrencyConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, int64(0), conflict.Actual)
		assert.True(t, conflict.Expected.IsNoStream())
	})

	t.Run("exact mismatch", func(t *testing.T) {
		_, err := appendTx(t, db, s, "acc-1", es.Exact(3), pending("Deposited", `{}`))
		assert.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("exact on missing stream", func(t *testing.T) {
		_, err := appendTx(t, db, s, "acc-404", es.Exact(0), pending("Deposited", `{}`))
		var conflict *es.ConcurrencyConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, es.NoStreamVersion, conflict.Actual)
	})

	t.Run("exact match", func(t *testing.T) {
		result, err := appendTx(t, db, s, "acc-1", es.Exact(0), pending("Deposited", `{}`))
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, result.Versions)
	})

	t.Run("any", func(t *testing.T) {
		result, err := appendTx(t, db, s, "acc-1", es.Any(), pending("Deposited", `{}`))
		require.NoError(t, err)
		assert.Equal(t, []int64{2}, result.Versions)
	})
}

func TestAppend_ConflictWritesNothing(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	_, err := appendTx(t, db, s, "s", es.NoStream(), pending("A", `{}`))
	require.NoError(t, err)

	_, err = appendTx(t, db, s, "s", es.Exact(5), pending("B", `{}`), pending("C", `{}`))
	require.Error(t, err)

	events, err := s.ReadAll(context.Background(), db, es.ReadAllOptions{})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppend_Empty(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	result, err := appendTx(t, db, s, "s", es.Exact(7))
	require.NoError(t, err)
	assert.True(t, result.IsEmpty())
}

func TestAppend_DuplicateEventIDIsFatal(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	id := uuid.New()
	_, err := appendTx(t, db, s, "a", es.Any(), es.PendingEvent{EventType: "X", Payload: []byte(`{}`), EventID: id})
	require.NoError(t, err)

	_, err = appendTx(t, db, s, "b", es.Any(), es.PendingEvent{EventType: "X", Payload: []byte(`{}`), EventID: id})
	assert.ErrorIs(t, err, es.ErrFatalSchema)
	assert.False(t, es.IsConcurrencyConflict(err))
}

func TestReadStream_Bounds(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	for i := 0; i < 5; i++ {
		_, err := appendTx(t, db, s, "bounded", es.Any(), pending("Tick", `{}`))
		require.NoError(t, err)
	}

	ctx := context.Background()
	to := int64(3)
	stream, err := s.ReadStream(ctx, db, "bounded", es.ReadStreamOptions{FromVersion: 1, ToVersion: &to})
	require.NoError(t, err)
	require.Equal(t, 3, stream.Len())
	assert.Equal(t, int64(1), stream.Events[0].StreamVersion)
	assert.Equal(t, int64(3), stream.Version())

	stream, err = s.ReadStream(ctx, db, "bounded", es.ReadStreamOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, stream.Len())

	stream, err = s.ReadStream(ctx, db, "missing", es.ReadStreamOptions{})
	require.NoError(t, err)
	assert.True(t, stream.IsEmpty())
	assert.Equal(t, es.NoStreamVersion, stream.Version())
}

func TestReadAll_FilterAndPaging(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	_, err := appendTx(t, db, s, "a", es.Any(), pending("Created", `{}`), pending("Renamed", `{}`))
	require.NoError(t, err)
	_, err = appendTx(t, db, s, "b", es.Any(), pending("Created", `{}`), pending("Deleted", `{}`))
	require.NoError(t, err)

	ctx := context.Background()
	created, err := s.ReadAll(ctx, db, es.ReadAllOptions{EventTypes: []string{"Created", "Deleted"}})
	require.NoError(t, err)
	require.Len(t, created, 3)
	for _, e := range created {
		assert.NotEqual(t, "Renamed", e.EventType)
	}

	page, err := s.ReadAll(ctx, db, es.ReadAllOptions{BatchSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := s.ReadAll(ctx, db, es.ReadAllOptions{After: page[1].GlobalID})
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Greater(t, rest[0].GlobalID, page[1].GlobalID)
}

func TestEventsAreAppendOnly(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())

	_, err := appendTx(t, db, s, "a", es.Any(), pending("Created", `{}`))
	require.NoError(t, err)

	_, err = db.Exec(`UPDATE events SET event_type = 'Hacked'`)
	assert.Error(t, err)
	_, err = db.Exec(`DELETE FROM events`)
	assert.Error(t, err)
}

func TestSubscriptionPosition_Monotonic(t *testing.T) {
	db := getTestDB(t)
	s := sqlite.NewStore(sqlite.DefaultStoreConfig())
	ctx := context.Background()

	position, err := s.GetSubscriptionPosition(ctx, db, "mailer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), position)

	require.NoError(t, s.UpdateSubscriptionPosition(ctx, db, "mailer", 10))
	require.NoError(t, s.UpdateSubscriptionPosition(ctx, db, "mailer", 4))

	position, err = s.GetSubscriptionPosition(ctx, db, "mailer")
	require.NoError(t, err)
	assert.Equal(t, int64(10), position)

	require.NoError(t, s.UpdateSubscriptionPosition(ctx, db, "mailer", 12))
	position, err = s.GetSubscriptionPosition(ctx, db, "mailer")
	require.NoError(t, err)
	assert.Equal(t, int64(12), position)
}

func TestCustomTables(t *testing.T) {
	db, err := sqlite.OpenDB(context.Background(), filepath.Join(t.TempDir(), "custom.db"))
	require.NoError(t, err)
	defer db.Close()

	config := migrations.DefaultConfig()
	config.EventsTable = "ledger_events"
	config.SubscriptionsTable = "ledger_cursors"
	require.NoError(t, migrations.Apply(context.Background(), db, migrations.SQLite, &config))

	s := sqlite.NewStore(sqlite.NewStoreConfig(
		sqlite.WithEventsTable("ledger_events"),
		sqlite.WithSubscriptionsTable("ledger_cursors"),
	))
	result, err := appendTx(t, db, s, "a", es.NoStream(), pending("Created", `{}`))
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, result.Versions)
	assert.Equal(t, "sqlite", s.Dialect())
}
