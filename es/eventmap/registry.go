package eventmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/getpup/pupledger/es"
)

var (
	// ErrUnknownEventType is returned for event types that were never registered.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrAlreadyRegistered is returned when an event type is registered twice.
	ErrAlreadyRegistered = errors.New("event type already registered")
)

type entry struct {
	goType reflect.Type
	source string
}

// Registry maps event types to payload types and optional CUE schemas.
//
// A cue.Context keeps every value compiled into it alive, so schemas are kept
// as source and each validation compiles into a context of its own.
type Registry struct {
	entries map[string]*entry
	strict  bool
	mu      sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes ValidatePayload reject event types that were never registered.
func WithStrict() Option {
	return func(r *Registry) {
		r.strict = true
	}
}

// RegisterOption configures a single registration.
type RegisterOption func(*entry)

// WithSchema attaches a CUE schema that every payload of the type must satisfy,
// e.g. `{title: string & != "", priority?: int & >=0}`.
func WithSchema(source string) RegisterOption {
	return func(e *entry) {
		e.source = source
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds eventType to the Go type of sample. sample may be a value or
// a pointer; decoded payloads are always returned as values.
func (r *Registry) Register(eventType string, sample any, opts ...RegisterOption) error {
	if err := es.ValidateEventType(eventType); err != nil {
		return err
	}
	if sample == nil {
		return fmt.Errorf("register %q: sample must not be nil", eventType)
	}

	goType := reflect.TypeOf(sample)
	for goType.Kind() == reflect.Pointer {
		goType = goType.Elem()
	}

	e := &entry{goType: goType}
	for _, opt := range opts {
		opt(e)
	}

	if e.source != "" {
		if _, err := compileSchema(cuecontext.New(), eventType, e.source); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, eventType)
	}
	r.entries[eventType] = e
	return nil
}

// MustRegister is like Register but panics on error. It is meant for
// package-level registration of static types.
func (r *Registry) MustRegister(eventType string, sample any, opts ...RegisterOption) {
	if err := r.Register(eventType, sample, opts...); err != nil {
		panic(err)
	}
}

// Types returns the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Encode marshals payload into a pending event of eventType and validates it.
func (r *Registry) Encode(eventType string, payload any) (es.PendingEvent, error) {
	r.mu.Lock()
	e, ok := r.entries[eventType]
	r.mu.Unlock()
	if !ok {
		return es.PendingEvent{}, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}

	got := reflect.TypeOf(payload)
	for got != nil && got.Kind() == reflect.Pointer {
		got = got.Elem()
	}
	if got != e.goType {
		return es.PendingEvent{}, fmt.Errorf("encode %q: payload is %v, want %v", eventType, got, e.goType)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return es.PendingEvent{}, fmt.Errorf("encode %q: %w", eventType, err)
	}

	event := es.PendingEvent{EventType: eventType, Payload: data}
	if err := r.ValidatePayload(event); err != nil {
		return es.PendingEvent{}, err
	}
	return event, nil
}

// Decode unmarshals the payload of a committed event into its registered type.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (r *Registry) Decode(event es.Event) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[event.EventType]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, event.EventType)
	}

	ptr := reflect.New(e.goType)
	if err := json.Unmarshal(event.Payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %q at position %d: %w", event.EventType, event.GlobalID, err)
	}
	return ptr.Elem().Interface(), nil
}

// DecodeAs decodes event and asserts the payload type.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func DecodeAs[T any](r *Registry, event es.Event) (T, error) {
	var zero T
	v, err := r.Decode(event)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("decode %q: payload is %T, want %T", event.EventType, v, zero)
	}
	return typed, nil
}

// ValidatePayload implements es.PayloadValidator. The payload must be a JSON
// document; when the type has a schema, the document must satisfy it with
// every required field present.
func (r *Registry) ValidatePayload(event es.PendingEvent) error {
	if !json.Valid(event.Payload) {
		return &es.ValidationError{Field: "payload", Reason: "must be a JSON document", Index: -1}
	}

	r.mu.Lock()
	e, ok := r.entries[event.EventType]
	r.mu.Unlock()
	if !ok {
		if r.strict {
			return &es.ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q is not registered", event.EventType), Index: -1}
		}
		return nil
	}
	if e.source == "" {
		return nil
	}

	cctx := cuecontext.New()
	schema, err := compileSchema(cctx, event.EventType, e.source)
	if err != nil {
		return err
	}
	doc := cctx.CompileBytes(event.Payload, cue.Filename("payload.json"))
	if err := doc.Err(); err != nil {
		return &es.ValidationError{Field: "payload", Reason: err.Error(), Index: -1}
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return &es.ValidationError{Field: "payload", Reason: fmt.Sprintf("does not match %s schema: %v", event.EventType, err), Index: -1}
	}
	return nil
}

func compileSchema(cctx *cue.Context, eventType, source string) (cue.Value, error) {
	schema := cctx.CompileString(source, cue.Filename(eventType+".cue"))
	if err := schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema for %q: %w", eventType, err)
	}
	return schema, nil
}
