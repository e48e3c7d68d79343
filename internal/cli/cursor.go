package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
)

// NewCursorCommand creates the cursor command group.
func NewCursorCommand(root *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or move subscription cursors",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <subscription>",
		Short: "Print the last processed global id of a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			position, err := a.ledger.GetSubscriptionPosition(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.Print(cursorView(args[0], position), func(w io.Writer) error {
				_, err := fmt.Fprintln(w, position)
				return err
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <subscription> <position>",
		Short: "Store the last processed global id of a subscription",
		Long:  "Positions never move backwards; setting a lower value than the stored one keeps the stored value.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			position, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid position", err)
			}

			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.ledger.UpdateSubscriptionPosition(cmd.Context(), args[0], position); err != nil {
				return err
			}
			stored, err := a.ledger.GetSubscriptionPosition(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.out.Print(cursorView(args[0], stored), func(w io.Writer) error {
				_, err := fmt.Fprintln(w, stored)
				return err
			})
		},
	})

	return cmd
}

func cursorView(subscription string, position int64) map[string]any {
	return map[string]any{"subscription_id": subscription, "position": position}
}
