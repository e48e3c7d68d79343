package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/adapters/sqlite"
	"github.com/getpup/pupledger/es/ledger"
	"github.com/getpup/pupledger/es/migrations"
	"github.com/getpup/pupledger/es/publisher"
)

func newLedger(t *testing.T, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.OpenDB(ctx, filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	config := migrations.DefaultConfig()
	require.NoError(t, migrations.Apply(ctx, db, migrations.SQLite, &config))

	return ledger.New(db, sqlite.NewStore(sqlite.DefaultStoreConfig()), opts...)
}

func task(eventType string) es.PendingEvent {
	return es.PendingEvent{EventType: eventType, Payload: []byte(`{"title":"write tests"}`)}
}

// Scenario: an unchecked append to a new stream yields version 0.
func TestAppend_UncheckedNewStream(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	result, err := l.Append(ctx, "task-1", es.Any(), task("TaskCreated"))
	require.NoError(t, err)
	assert.Equal(t, []int64{0}, result.Versions)

	version, err := l.GetStreamVersion(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

// Scenario: two callers observe version 0; one wins, the other conflicts
// and succeeds after refreshing its expectation.
func TestAppend_ConflictThenRetry(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "task-1", es.Any(), task("TaskCreated"))
	require.NoError(t, err)

	first, err := l.Append(ctx, "task-1", es.Exact(0), task("TaskUpdated"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.ToVersion())

	_, err = l.Append(ctx, "task-1", es.Exact(0), task("TaskUpdated"))
	var conflict *es.ConcurrencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "task-1", conflict.StreamID)
	assert.Equal(t, int64(0), conflict.Expected.Value())
	assert.Equal(t, int64(1), conflict.Actual)

	retried, err := l.Append(ctx, "task-1", es.Exact(1), task("TaskUpdated"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), retried.ToVersion())
}

// Scenario: reading from version 1 returns the tail in order.
func TestReadStream_FromVersion(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "task-2", es.NoStream(), task("A"), task("B"), task("C"))
	require.NoError(t, err)

	stream, err := l.ReadStream(ctx, "task-2", es.ReadStreamOptions{FromVersion: 1})
	require.NoError(t, err)
	require.Equal(t, 2, stream.Len())
	assert.Equal(t, int64(1), stream.Events[0].StreamVersion)
	assert.Equal(t, "B", stream.Events[0].EventType)
	assert.Equal(t, int64(2), stream.Events[1].StreamVersion)
	assert.Equal(t, "C", stream.Events[1].EventType)
}

// Scenario: a type filter on the global feed omits other types.
func TestReadAll_TypeFilter(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	for _, stream := range []string{"a", "b"} {
		_, err := l.Append(ctx, stream, es.NoStream(), task("TaskCreated"))
		require.NoError(t, err)
		_, err = l.Append(ctx, stream, es.Exact(0), task("TaskUpdated"))
		require.NoError(t, err)
	}

	events, err := l.ReadAll(ctx, es.ReadAllOptions{EventTypes: []string{"TaskCreated"}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].StreamID)
	assert.Equal(t, "b", events[1].StreamID)
	assert.Less(t, events[0].GlobalID, events[1].GlobalID)
	for _, e := range events {
		assert.Equal(t, "TaskCreated", e.EventType)
	}
}

// Scenario: a stale cursor update does not move the position back.
func TestSubscriptionPosition_StaleUpdateIgnored(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	position, err := l.GetSubscriptionPosition(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), position)

	require.NoError(t, l.UpdateSubscriptionPosition(ctx, "proj-1", 42))
	require.NoError(t, l.UpdateSubscriptionPosition(ctx, "proj-1", 30))

	position, err = l.GetSubscriptionPosition(ctx, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), position)

	err = l.UpdateSubscriptionPosition(ctx, "proj-1", -1)
	assert.ErrorIs(t, err, es.ErrValidation)
}

func TestAppend_SequentialVersionsAreGapless(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, "gapless", es.Any(), task("Tick"))
		require.NoError(t, err)
	}

	stream, err := l.ReadStream(ctx, "gapless", es.ReadStreamOptions{})
	require.NoError(t, err)
	require.Equal(t, 10, stream.Len())
	for i, e := range stream.Events {
		assert.Equal(t, int64(i), e.StreamVersion)
	}
	assert.Equal(t, int64(9), stream.Version())
}

func TestAppend_Empty(t *testing.T) {
	l := newLedger(t)

	result, err := l.Append(context.Background(), "anything", es.Exact(3))
	require.NoError(t, err)
	assert.True(t, result.IsEmpty())
}

func TestAppend_ValidationRejectsBeforePersistence(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		streamID string
		event    es.PendingEvent
		field    string
	}{
		{name: "empty stream id", streamID: "", event: task("A"), field: "stream_id"},
		{name: "missing event type", streamID: "s", event: es.PendingEvent{Payload: []byte(`{}`)}, field: "event_type"},
		{name: "empty payload", streamID: "s", event: es.PendingEvent{EventType: "A"}, field: "payload"},
		{name: "payload not JSON", streamID: "s", event: es.PendingEvent{EventType: "A", Payload: []byte(`{nope`)}, field: "payload"},
		{name: "metadata not JSON", streamID: "s", event: es.PendingEvent{EventType: "A", Payload: []byte(`{}`), Metadata: []byte(`[`)}, field: "metadata"},
		{name: "stream id not NFC", streamID: "cafe\u0301", event: task("A"), field: "stream_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(ctx, tt.streamID, es.Any(), tt.event)
			var validationErr *es.ValidationError
			require.True(t, errors.As(err, &validationErr), "got %v", err)
			assert.Equal(t, tt.field, validationErr.Field)
		})
	}

	events, err := l.ReadAll(ctx, es.ReadAllOptions{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

type rejectingValidator struct{}

func (rejectingValidator) ValidatePayload(event es.PendingEvent) error {
	if event.EventType == "Forbidden" {
		return errors.New("forbidden event type")
	}
	return nil
}

func TestAppend_PayloadValidator(t *testing.T) {
	l := newLedger(t, ledger.WithValidator(rejectingValidator{}))
	ctx := context.Background()

	_, err := l.Append(ctx, "s", es.Any(), task("Allowed"), task("Forbidden"))
	var validationErr *es.ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Equal(t, 1, validationErr.Index)

	exists, err := l.StreamExists(ctx, "s")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAppend_PublishesAfterCommit(t *testing.T) {
	pub := publisher.New()
	l := newLedger(t, ledger.WithPublisher(pub))
	ctx := context.Background()

	var seen []es.Event
	pub.Subscribe(publisher.Wildcard, func(ctx context.Context, e es.Event) error {
		// the event must already be readable when handlers run
		version, err := l.GetStreamVersion(ctx, e.StreamID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, version, e.StreamVersion)
		seen = append(seen, e)
		return nil
	})
	pub.Subscribe("TaskCreated", func(context.Context, es.Event) error {
		return errors.New("read model unavailable")
	})

	result, err := l.Append(ctx, "task-9", es.NoStream(), task("TaskCreated"), task("TaskUpdated"))
	require.NoError(t, err, "handler failures must not reach the caller")
	require.Len(t, seen, 2)
	assert.Equal(t, result.GlobalIDs[0], seen[0].GlobalID)

	_, err = l.Append(ctx, "task-9", es.NoStream(), task("TaskCreated"))
	require.Error(t, err)
	assert.Len(t, seen, 2, "nothing is published for a failed append")
}

func TestAppend_CancelledContextPublishesCommittedEvents(t *testing.T) {
	pub := publisher.New()
	l := newLedger(t, ledger.WithPublisher(pub))

	ctx, cancel := context.WithCancel(context.Background())
	var handlerCtxErr error
	pub.Subscribe(publisher.Wildcard, func(hctx context.Context, _ es.Event) error {
		cancel()
		handlerCtxErr = hctx.Err()
		return nil
	})

	_, err := l.Append(ctx, "s", es.Any(), task("A"), task("B"))
	require.NoError(t, err)
	assert.NoError(t, handlerCtxErr)
}

func TestFeed_PagesAndResumes(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := l.Append(ctx, "feed", es.Any(), task("Tick"))
		require.NoError(t, err)
	}

	var first []int64
	for e, err := range l.Feed(ctx, es.ReadAllOptions{BatchSize: 2}) {
		require.NoError(t, err)
		first = append(first, e.GlobalID)
		if len(first) == 3 {
			break
		}
	}
	require.Len(t, first, 3)

	var rest []int64
	for e, err := range l.Feed(ctx, es.ReadAllOptions{After: first[2], BatchSize: 2}) {
		require.NoError(t, err)
		rest = append(rest, e.GlobalID)
	}
	require.Len(t, rest, 4)

	all := append(first, rest...)
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i], all[i-1])
	}
}

func TestFeed_YieldsError(t *testing.T) {
	l := newLedger(t)

	var errs []error
	for _, err := range l.Feed(context.Background(), es.ReadAllOptions{After: -5}) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], es.ErrValidation)
}

func TestStreamExists(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	exists, err := l.StreamExists(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, exists)

	version, err := l.GetStreamVersion(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, es.NoStreamVersion, version)

	_, err = l.Append(ctx, "ghost", es.Any(), task("Boo"))
	require.NoError(t, err)

	exists, err = l.StreamExists(ctx, "ghost")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestAppendWithRetry(t *testing.T) {
	fast := ledger.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

	t.Run("recovers from a conflict", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		calls := 0
		result, err := l.AppendWithRetry(ctx, "order", fast, func(ctx context.Context, current int64) ([]es.PendingEvent, error) {
			calls++
			if calls == 1 {
				// a competing writer slips in between read and append
				_, err := l.Append(ctx, "order", es.Any(), task("Competing"))
				require.NoError(t, err)
			}
			return []es.PendingEvent{task("Mine")}, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, []int64{1}, result.Versions)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		calls := 0
		_, err := l.AppendWithRetry(ctx, "order", fast, func(ctx context.Context, current int64) ([]es.PendingEvent, error) {
			calls++
			_, err := l.Append(ctx, "order", es.Any(), task("Competing"))
			require.NoError(t, err)
			return []es.PendingEvent{task("Mine")}, nil
		})
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ledger.ErrRetriesExhausted)
		assert.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("does not retry decide errors", func(t *testing.T) {
		l := newLedger(t)
		refused := errors.New("order already shipped")

		calls := 0
		_, err := l.AppendWithRetry(context.Background(), "order", fast, func(context.Context, int64) ([]es.PendingEvent, error) {
			calls++
			return nil, refused
		})
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := ledger.RetryPolicy{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond}

	for attempt, max := range map[int]time.Duration{1: 10 * time.Millisecond, 2: 20 * time.Millisecond, 3: 40 * time.Millisecond, 8: 40 * time.Millisecond} {
		delay := policy.Backoff(attempt)
		assert.GreaterOrEqual(t, delay, max/2, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, max, "attempt %d", attempt)
	}

	assert.Zero(t, ledger.RetryPolicy{}.Backoff(3))
}
