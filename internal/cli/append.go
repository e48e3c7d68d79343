package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/getpup/pupledger/es"
)

type appendOptions struct {
	eventType string
	payload   string
	metadata  string
	expected  string
	tenant    string
	eventID   string
	retry     bool
}

// NewAppendCommand creates the append command.
func NewAppendCommand(root *RootOptions) *cobra.Command {
	opts := &appendOptions{}

	cmd := &cobra.Command{
		Use:   "append <stream>",
		Short: "Append one event to a stream",
		Example: `  pupledger append task-1 --type TaskCreated --payload '{"title":"write docs"}' --expected no_stream
  pupledger append task-1 --type TaskCompleted --payload '{}' --expected 0
  pupledger append task-1 --type TaskCommented --payload '{"text":"hi"}' --retry`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := es.ParseExpectedVersion(opts.expected)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --expected", err)
			}
			if opts.retry && !expected.IsAny() {
				return &ExitError{Code: ExitCommandError, Message: "--retry appends at the current version and cannot be combined with --expected"}
			}
			event, err := opts.pendingEvent()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid event", err)
			}

			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			var result es.AppendResult
			if opts.retry {
				result, err = a.ledger.AppendWithRetry(cmd.Context(), args[0], a.cfg.RetryPolicy(),
					func(context.Context, int64) ([]es.PendingEvent, error) {
						return []es.PendingEvent{event}, nil
					})
			} else {
				result, err = a.ledger.Append(cmd.Context(), args[0], expected, event)
			}
			if err != nil {
				return err
			}

			return a.out.Print(newEventViews(result.Events), func(w io.Writer) error {
				e := result.Events[0]
				_, err := fmt.Fprintf(w, "appended %s@%d global_id=%d event_id=%s\n", e.StreamID, e.StreamVersion, e.GlobalID, e.EventID)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&opts.eventType, "type", "t", "", "event type (required)")
	cmd.Flags().StringVarP(&opts.payload, "payload", "p", "", "event payload as a JSON document (required)")
	cmd.Flags().StringVar(&opts.metadata, "metadata", "", "event metadata as a JSON document")
	cmd.Flags().StringVarP(&opts.expected, "expected", "e", "any", "expected stream version: any, no_stream or a version")
	cmd.Flags().StringVar(&opts.tenant, "tenant", "", "tenant id (UUID)")
	cmd.Flags().StringVar(&opts.eventID, "event-id", "", "event id (UUID); generated when empty")
	cmd.Flags().BoolVar(&opts.retry, "retry", false, "append at the current version, retrying conflicts and transient errors per the append config")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("payload")

	return cmd
}

func (o *appendOptions) pendingEvent() (es.PendingEvent, error) {
	event := es.PendingEvent{
		EventType: o.eventType,
		Payload:   []byte(o.payload),
	}
	if o.metadata != "" {
		event.Metadata = []byte(o.metadata)
	}
	if o.tenant != "" {
		id, err := uuid.Parse(o.tenant)
		if err != nil {
			return es.PendingEvent{}, fmt.Errorf("tenant: %w", err)
		}
		event.TenantID = uuid.NullUUID{UUID: id, Valid: true}
	}
	if o.eventID != "" {
		id, err := uuid.Parse(o.eventID)
		if err != nil {
			return es.PendingEvent{}, fmt.Errorf("event id: %w", err)
		}
		event.EventID = id
	}
	return event, nil
}
