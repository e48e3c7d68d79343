package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/getpup/pupledger/es"
)

// NewReadCommand creates the read command.
func NewReadCommand(root *RootOptions) *cobra.Command {
	var (
		from  int64
		to    int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "read <stream>",
		Short: "Read the events of one stream in version order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := es.ReadStreamOptions{FromVersion: from, Limit: limit}
			if cmd.Flags().Changed("to") {
				opts.ToVersion = &to
			}

			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			stream, err := a.ledger.ReadStream(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return a.out.Print(newEventViews(stream.Events), func(w io.Writer) error {
				return printEventLines(w, stream.Events)
			})
		},
	}

	cmd.Flags().Int64Var(&from, "from", 0, "first version to read (inclusive)")
	cmd.Flags().Int64Var(&to, "to", 0, "last version to read (inclusive)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events; 0 reads to the end")

	return cmd
}

// NewFeedCommand creates the feed command.
func NewFeedCommand(root *RootOptions) *cobra.Command {
	var opts es.ReadAllOptions

	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Read the global feed in commit order",
		Long:  "Prints at most --batch events whose global id is greater than --after. Pass the last printed global id as --after to continue.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			events, err := a.ledger.ReadAll(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.out.Print(newEventViews(events), func(w io.Writer) error {
				return printEventLines(w, events)
			})
		},
	}

	cmd.Flags().Int64Var(&opts.After, "after", 0, "read events after this global id")
	cmd.Flags().IntVar(&opts.BatchSize, "batch", es.DefaultBatchSize, "maximum number of events")
	cmd.Flags().StringSliceVar(&opts.EventTypes, "type", nil, "only these event types (repeatable)")

	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version <stream>",
		Short: "Print the current version of a stream",
		Long:  "Prints the version of the last event in the stream, or -1 when the stream holds no events.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			version, err := a.ledger.GetStreamVersion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result := map[string]any{"stream_id": args[0], "version": version}
			return a.out.Print(result, func(w io.Writer) error {
				_, err := fmt.Fprintln(w, version)
				return err
			})
		},
	}
}
