// Package storetest provides a behavioral test suite shared by all adapters.
package storetest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/store"
)

// Factory returns a database with an empty, migrated schema and the adapter
// under test.
type Factory func(t *testing.T) (*sql.DB, store.Adapter)

// Run executes the suite against the adapter produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("AppendAndRead", func(t *testing.T) { testAppendAndRead(t, factory) })
	t.Run("ExpectedVersion", func(t *testing.T) { testExpectedVersion(t, factory) })
	t.Run("ConcurrentNoStreamHasOneWinner", func(t *testing.T) { testConcurrentNoStream(t, factory) })
	t.Run("ConcurrentAnyIsGapless", func(t *testing.T) { testConcurrentAny(t, factory) })
	t.Run("OpenAppendDoesNotBlockOtherStreams", func(t *testing.T) { testOpenAppendDoesNotBlock(t, factory) })
	t.Run("ReadAllOrderAndFilter", func(t *testing.T) { testReadAll(t, factory) })
	t.Run("SubscriptionPosition", func(t *testing.T) { testSubscriptionPosition(t, factory) })
}

// Append runs a single append in its own transaction, begun with the
// adapter's append transaction options.
func Append(ctx context.Context, db *sql.DB, adapter store.Adapter, streamID string, expected es.ExpectedVersion, events ...es.PendingEvent) (es.AppendResult, error) {
	tx, err := db.BeginTx(ctx, store.AppendTxOptions(adapter))
	if err != nil {
		return es.AppendResult{}, err
	}
	result, err := adapter.Append(ctx, tx, streamID, expected, events)
	if err != nil {
		_ = tx.Rollback()
		return es.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return es.AppendResult{}, err
	}
	return result, nil
}

func event(eventType string) es.PendingEvent {
	return es.PendingEvent{EventType: eventType, Payload: []byte(`{"n":1}`)}
}

func testAppendAndRead(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	ctx := context.Background()

	result, err := Append(ctx, db, adapter, "order-1", es.NoStream(), event("OrderPlaced"), event("OrderPaid"))
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, result.Versions)

	stream, err := adapter.ReadStream(ctx, db, "order-1", es.ReadStreamOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, stream.Len())
	assert.Equal(t, "OrderPlaced", stream.Events[0].EventType)
	assert.Equal(t, `{"n":1}`, string(stream.Events[0].Payload))
	assert.Equal(t, result.GlobalIDs[1], stream.Events[1].GlobalID)

	version, err := adapter.GetStreamVersion(ctx, db, "order-2")
	require.NoError(t, err)
	assert.Equal(t, es.NoStreamVersion, version)
}

func testExpectedVersion(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	ctx := context.Background()

	_, err := Append(ctx, db, adapter, "acc", es.NoStream(), event("Opened"))
	require.NoError(t, err)

	_, err = Append(ctx, db, adapter, "acc", es.NoStream(), event("Opened"))
	assert.ErrorIs(t, err, es.ErrConcurrencyConflict)

	_, err = Append(ctx, db, adapter, "acc", es.Exact(1), event("Deposited"))
	assert.ErrorIs(t, err, es.ErrConcurrencyConflict)

	result, err := Append(ctx, db, adapter, "acc", es.Exact(0), event("Deposited"))
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, result.Versions)
}

func testConcurrentNoStream(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = Append(ctx, db, adapter, "contended", es.NoStream(), event(fmt.Sprintf("Claimed%d", i)))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case es.IsRetryable(err):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)

	stream, err := adapter.ReadStream(ctx, db, "contended", es.ReadStreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stream.Len())
}

func testConcurrentAny(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	ctx := context.Background()

	const writers = 6
	const perWriter = 5
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				for {
					_, err := Append(ctx, db, adapter, "busy", es.Any(), event("Tick"))
					if err == nil {
						break
					}
					if !es.IsRetryable(err) {
						t.Errorf("append: %v", err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	stream, err := adapter.ReadStream(ctx, db, "busy", es.ReadStreamOptions{})
	require.NoError(t, err)
	require.Equal(t, writers*perWriter, stream.Len())
	for i, e := range stream.Events {
		assert.Equal(t, int64(i), e.StreamVersion)
	}
}

// testOpenAppendDoesNotBlock keeps one append transaction open, on an existing
// stream and on a new one, and requires appends to neighboring streams and
// reads to finish while it is held.
func testOpenAppendDoesNotBlock(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	if adapter.Dialect() == "sqlite" {
		t.Skip("sqlite serializes all writers")
	}
	ctx := context.Background()

	_, err := Append(ctx, db, adapter, "s-1", es.NoStream(), event("Opened"))
	require.NoError(t, err)

	held, err := db.BeginTx(ctx, store.AppendTxOptions(adapter))
	require.NoError(t, err)
	defer func() { _ = held.Rollback() }()

	_, err = adapter.Append(ctx, held, "s-1", es.Exact(0), []es.PendingEvent{event("Deposited")})
	require.NoError(t, err)
	_, err = adapter.Append(ctx, held, "s-3", es.NoStream(), []es.PendingEvent{event("Opened")})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, streamID := range []string{"s-0", "s-1a", "s-2", "s-3a", "s-4"} {
		_, err := Append(waitCtx, db, adapter, streamID, es.NoStream(), event("Opened"))
		require.NoError(t, err, "append to %s must not wait for another stream", streamID)
	}

	stream, err := adapter.ReadStream(waitCtx, db, "s-1", es.ReadStreamOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stream.Len(), "uncommitted events are not visible")

	_, err = adapter.GetStreamVersion(waitCtx, db, "s-3")
	require.NoError(t, err)
	_, err = adapter.ReadAll(waitCtx, db, es.ReadAllOptions{})
	require.NoError(t, err)

	require.NoError(t, held.Commit())

	version, err := adapter.GetStreamVersion(ctx, db, "s-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func testReadAll(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	ctx := context.Background()

	_, err := Append(ctx, db, adapter, "a", es.Any(), event("Created"), event("Renamed"))
	require.NoError(t, err)
	_, err = Append(ctx, db, adapter, "b", es.Any(), event("Created"))
	require.NoError(t, err)

	all, err := adapter.ReadAll(ctx, db, es.ReadAllOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].GlobalID < all[j].GlobalID }))

	created, err := adapter.ReadAll(ctx, db, es.ReadAllOptions{EventTypes: []string{"Created"}})
	require.NoError(t, err)
	assert.Len(t, created, 2)

	tail, err := adapter.ReadAll(ctx, db, es.ReadAllOptions{After: all[0].GlobalID, BatchSize: 1})
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, all[1].GlobalID, tail[0].GlobalID)
}

func testSubscriptionPosition(t *testing.T, factory Factory) {
	db, adapter := factory(t)
	ctx := context.Background()

	require.NoError(t, adapter.UpdateSubscriptionPosition(ctx, db, "sub", 7))
	require.NoError(t, adapter.UpdateSubscriptionPosition(ctx, db, "sub", 3))

	position, err := adapter.GetSubscriptionPosition(ctx, db, "sub")
	require.NoError(t, err)
	assert.Equal(t, int64(7), position)
}
