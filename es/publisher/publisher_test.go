package publisher_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/publisher"
)

func recorder(calls *[]string, name string) publisher.Handler {
	return func(_ context.Context, _ es.Event) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestPublish_TypedBeforeWildcardInRegistrationOrder(t *testing.T) {
	p := publisher.New()
	var calls []string

	p.Subscribe(publisher.Wildcard, recorder(&calls, "wild-1"))
	p.Subscribe("OrderPlaced", recorder(&calls, "typed-1"))
	p.Subscribe("OrderPlaced", recorder(&calls, "typed-2"))
	p.Subscribe(publisher.Wildcard, recorder(&calls, "wild-2"))
	p.Subscribe("OrderPaid", recorder(&calls, "other"))

	p.Publish(context.Background(), es.Event{EventType: "OrderPlaced"})

	assert.Equal(t, []string{"typed-1", "typed-2", "wild-1", "wild-2"}, calls)
}

func TestPublish_FailuresAreIsolated(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	p := publisher.New(publisher.WithErrorHandler(func(_ context.Context, _ es.Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}))

	var calls []string
	boom := errors.New("boom")
	p.Subscribe("E", func(context.Context, es.Event) error { return boom })
	p.Subscribe("E", func(context.Context, es.Event) error { panic("kaput") })
	p.Subscribe("E", recorder(&calls, "survivor"))

	require.NotPanics(t, func() {
		p.Publish(context.Background(), es.Event{EventType: "E"})
	})

	assert.Equal(t, []string{"survivor"}, calls)
	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], boom)
	assert.Contains(t, reported[1].Error(), "kaput")
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	p := publisher.New()
	var calls []string

	unsubscribe := p.Subscribe("E", recorder(&calls, "a"))
	p.Subscribe("E", recorder(&calls, "b"))
	assert.Equal(t, 2, p.HandlerCount("E"))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 1, p.HandlerCount("E"))

	p.Publish(context.Background(), es.Event{EventType: "E"})
	assert.Equal(t, []string{"b"}, calls)
}

func TestPublishAll_PreservesOrder(t *testing.T) {
	p := publisher.New()
	var seen []int64
	p.Subscribe(publisher.Wildcard, func(_ context.Context, e es.Event) error {
		seen = append(seen, e.GlobalID)
		return nil
	})

	p.PublishAll(context.Background(), []es.Event{
		{EventType: "A", GlobalID: 1},
		{EventType: "B", GlobalID: 2},
		{EventType: "A", GlobalID: 3},
	})

	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestPublish_NoHandlers(t *testing.T) {
	p := publisher.New()
	assert.NotPanics(t, func() {
		p.Publish(context.Background(), es.Event{EventType: "Nobody"})
	})
}

func TestPublish_ConcurrentSubscribe(t *testing.T) {
	p := publisher.New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsubscribe := p.Subscribe("E", func(context.Context, es.Event) error { return nil })
			unsubscribe()
		}()
		go func() {
			defer wg.Done()
			p.Publish(context.Background(), es.Event{EventType: "E"})
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.HandlerCount("E"))
}
