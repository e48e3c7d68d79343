package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/getpup/pupledger/es"
)

// OutputFormatter renders command results as text, JSON or YAML.
type OutputFormatter struct {
	Writer io.Writer
	Format string
}

// Print writes data in the configured format. text renders the human form.
func (f *OutputFormatter) Print(data any, text func(w io.Writer) error) error {
	switch f.Format {
	case "json":
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(f.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(f.Writer)
	}
}

// eventView is the printable form of a committed event. Payload and metadata
// are decoded so JSON and YAML output nest them as documents.
type eventView struct {
	Payload       any    `json:"payload" yaml:"payload"`
	Metadata      any    `json:"metadata" yaml:"metadata"`
	CreatedAt     string `json:"created_at" yaml:"created_at"`
	TenantID      string `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	EventID       string `json:"event_id" yaml:"event_id"`
	StreamID      string `json:"stream_id" yaml:"stream_id"`
	EventType     string `json:"event_type" yaml:"event_type"`
	StreamVersion int64  `json:"stream_version" yaml:"stream_version"`
	GlobalID      int64  `json:"global_id" yaml:"global_id"`
}

//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func newEventView(e es.Event) eventView {
	v := eventView{
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		EventID:       e.EventID.String(),
		StreamID:      e.StreamID,
		EventType:     e.EventType,
		StreamVersion: e.StreamVersion,
		GlobalID:      e.GlobalID,
	}
	if e.TenantID.Valid {
		v.TenantID = e.TenantID.UUID.String()
	}
	_ = json.Unmarshal(e.Payload, &v.Payload)
	_ = json.Unmarshal(es.MetadataOrDefault(e.Metadata), &v.Metadata)
	return v
}

func newEventViews(events []es.Event) []eventView {
	views := make([]eventView, 0, len(events))
	for i := range events {
		views = append(views, newEventView(events[i]))
	}
	return views
}

func printEventLines(w io.Writer, events []es.Event) error {
	for i := range events {
		e := &events[i]
		if _, err := fmt.Fprintf(w, "%d\t%s@%d\t%s\t%s\n", e.GlobalID, e.StreamID, e.StreamVersion, e.EventType, e.Payload); err != nil {
			return err
		}
	}
	return nil
}
