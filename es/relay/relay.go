// Package relay forwards the global feed to an external broker.
//
// A Relay is a projection: run it with a projection.Processor and its cursor
// records how far the broker has been fed. Delivery is at-least-once;
// consumers deduplicate on the event id.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/getpup/pupledger/es"
)

// Header names attached to every message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderStreamID      = "stream_id"
	HeaderStreamVersion = "stream_version"
	HeaderGlobalID      = "global_id"
)

// Message is a broker-neutral rendering of one committed event.
type Message struct {
	CreatedAt time.Time
	Headers   map[string]string

	// Key is the stream id; brokers partition on it to keep per-stream order
	Key string

	EventType string
	EventID   string

	// Body is the JSON envelope produced by Encode
	Body []byte
}

// Sink delivers messages to a broker. Send returns only after the broker
// has accepted the message.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

type envelope struct {
	CreatedAt     time.Time       `json:"created_at"`
	TenantID      *string         `json:"tenant_id,omitempty"`
	EventID       string          `json:"event_id"`
	StreamID      string          `json:"stream_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata"`
	StreamVersion int64           `json:"stream_version"`
	GlobalID      int64           `json:"global_id"`
}

// Encode renders event as a Message whose body is a JSON envelope carrying
// the payload and metadata documents unchanged.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func Encode(event es.Event) (Message, error) {
	env := envelope{
		CreatedAt:     event.CreatedAt.UTC(),
		EventID:       event.EventID.String(),
		StreamID:      event.StreamID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		Metadata:      json.RawMessage(es.MetadataOrDefault(event.Metadata)),
		StreamVersion: event.StreamVersion,
		GlobalID:      event.GlobalID,
	}
	if event.TenantID.Valid {
		tenant := event.TenantID.UUID.String()
		env.TenantID = &tenant
	}

	body, err := json.Marshal(env)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode event %d: %w", event.GlobalID, err)
	}

	return Message{
		CreatedAt: env.CreatedAt,
		Key:       event.StreamID,
		EventType: event.EventType,
		EventID:   env.EventID,
		Body:      body,
		Headers: map[string]string{
			HeaderEventID:       env.EventID,
			HeaderEventType:     event.EventType,
			HeaderStreamID:      event.StreamID,
			HeaderStreamVersion: strconv.FormatInt(event.StreamVersion, 10),
			HeaderGlobalID:      strconv.FormatInt(event.GlobalID, 10),
		},
	}, nil
}

// Relay is a projection that sends every event it handles to a Sink.
type Relay struct {
	sink       Sink
	logger     es.Logger
	name       string
	eventTypes []string
}

// Option configures a Relay.
type Option func(*Relay)

// WithEventTypes restricts the relay to the given event types.
func WithEventTypes(eventTypes ...string) Option {
	return func(r *Relay) {
		r.eventTypes = eventTypes
	}
}

// WithLogger sets a logger for the relay.
func WithLogger(logger es.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// New creates a relay. name doubles as the subscription cursor id.
func New(name string, sink Sink, opts ...Option) *Relay {
	r := &Relay{name: name, sink: sink}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements projection.Projection.
func (r *Relay) Name() string {
	return r.name
}

// EventTypes implements projection.ScopedProjection.
func (r *Relay) EventTypes() []string {
	return r.eventTypes
}

// Handle encodes and sends one event. Send failures are reported as
// transient so the processor retries from the same position.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (r *Relay) Handle(ctx context.Context, event es.Event) error {
	msg, err := Encode(event)
	if err != nil {
		return err
	}

	if err := r.sink.Send(ctx, msg); err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "relay send failed",
				"relay", r.name, "global_id", event.GlobalID, "stream_id", event.StreamID, "error", err)
		}
		return &es.TransientStorageError{Op: "relay " + r.name, Err: err}
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "event relayed", "relay", r.name, "global_id", event.GlobalID)
	}
	return nil
}
