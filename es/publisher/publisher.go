// Package publisher dispatches committed events to in-process handlers.
//
// Handlers run synchronously, after the append transaction has committed,
// in the goroutine that called Publish. Handlers registered for an event's
// type run first, in registration order, followed by Wildcard handlers.
// A failing or panicking handler is reported and never affects the other
// handlers or the append that produced the event.
package publisher

import (
	"context"
	"fmt"
	"sync"

	"github.com/getpup/pupledger/es"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Handler reacts to a committed event.
type Handler func(ctx context.Context, event es.Event) error

// ErrorHandler is called for every handler failure, including panics.
type ErrorHandler func(ctx context.Context, event es.Event, err error)

type subscription struct {
	handler Handler
	id      uint64
}

// Publisher is an in-process event bus. The zero value is not usable; use New.
type Publisher struct {
	logger   es.Logger
	onError  ErrorHandler
	handlers map[string][]subscription
	nextID   uint64
	mu       sync.RWMutex
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets a logger for handler failures.
func WithLogger(logger es.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithErrorHandler sets a hook called for each handler failure.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(p *Publisher) {
		p.onError = fn
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{handlers: make(map[string][]subscription)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Subscribe registers handler for eventType, or for all types with Wildcard.
// The returned function removes the subscription; calling it more than once
// is harmless.
func (p *Publisher) Subscribe(eventType string, handler Handler) (unsubscribe func()) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.handlers[eventType] = append(p.handlers[eventType], subscription{id: id, handler: handler})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(eventType, id) })
	}
}

func (p *Publisher) remove(eventType string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.handlers[eventType]
	for i, sub := range subs {
		if sub.id == id {
			// copy so an in-flight Publish keeps its own snapshot intact
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(p.handlers, eventType)
			} else {
				p.handlers[eventType] = next
			}
			return
		}
	}
}

// HandlerCount returns the number of handlers registered for eventType.
func (p *Publisher) HandlerCount(eventType string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.handlers[eventType])
}

// Publish delivers event to its type handlers, then to wildcard handlers.
func (p *Publisher) Publish(ctx context.Context, event es.Event) {
	p.mu.RLock()
	typed := p.handlers[event.EventType]
	wildcard := p.handlers[Wildcard]
	p.mu.RUnlock()

	for _, sub := range typed {
		p.dispatch(ctx, sub.handler, event)
	}
	if event.EventType == Wildcard {
		return
	}
	for _, sub := range wildcard {
		p.dispatch(ctx, sub.handler, event)
	}
}

// PublishAll publishes events in order.
func (p *Publisher) PublishAll(ctx context.Context, events []es.Event) {
	for i := range events {
		p.Publish(ctx, events[i])
	}
}

func (p *Publisher) dispatch(ctx context.Context, handler Handler, event es.Event) {
	err := safeCall(ctx, handler, event)
	if err == nil {
		return
	}

	if p.logger != nil {
		p.logger.Error(ctx, "event handler failed",
			"event_type", event.EventType,
			"stream_id", event.StreamID,
			"global_id", event.GlobalID,
			"error", err)
	}
	if p.onError != nil {
		p.onError(ctx, event, err)
	}
}

func safeCall(ctx context.Context, handler Handler, event es.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, event)
}
