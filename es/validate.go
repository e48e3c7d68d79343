package es

import (
	"encoding/json"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxIdentifierLength bounds stream ids and event types. It matches the
// VARCHAR(255) columns of the MySQL schema.
const MaxIdentifierLength = 255

// PayloadValidator validates an event's payload against application-level
// rules (typically a schema registered for its event type) before append.
type PayloadValidator interface {
	ValidatePayload(event PendingEvent) error
}

// ValidateStreamID checks that a stream id can be stored and compared
// byte-wise: non-empty, bounded, valid UTF-8 in NFC form.
func ValidateStreamID(streamID string) error {
	return validateIdentifier("stream_id", streamID, -1)
}

// ValidateEventType applies the stream id rules to an event type.
func ValidateEventType(eventType string) error {
	return validateIdentifier("event_type", eventType, -1)
}

// ValidatePending checks a batch of pending events for one stream.
// It never touches storage; a failure means nothing was persisted.
func ValidatePending(streamID string, events []PendingEvent) error {
	if err := ValidateStreamID(streamID); err != nil {
		return err
	}
	for i := range events {
		e := &events[i]
		if err := validateIdentifier("event_type", e.EventType, i); err != nil {
			return err
		}
		if len(e.Payload) == 0 {
			return &ValidationError{Field: "payload", Reason: "must not be empty", Index: i}
		}
		if !json.Valid(e.Payload) {
			return &ValidationError{Field: "payload", Reason: "must be a valid JSON document", Index: i}
		}
		if len(e.Metadata) > 0 && !json.Valid(e.Metadata) {
			return &ValidationError{Field: "metadata", Reason: "must be a valid JSON document", Index: i}
		}
	}
	return nil
}

// MetadataOrDefault returns metadata, or the empty document when it is unset.
func MetadataOrDefault(metadata []byte) []byte {
	if len(metadata) == 0 {
		return []byte(`{}`)
	}
	return metadata
}

func validateIdentifier(field, value string, index int) error {
	switch {
	case value == "":
		return &ValidationError{Field: field, Reason: "must not be empty", Index: index}
	case len(value) > MaxIdentifierLength:
		return &ValidationError{Field: field, Reason: "exceeds 255 bytes", Index: index}
	case !utf8.ValidString(value):
		return &ValidationError{Field: field, Reason: "must be valid UTF-8", Index: index}
	case !norm.NFC.IsNormalString(value):
		return &ValidationError{Field: field, Reason: "must be in Unicode NFC form", Index: index}
	}
	return nil
}
