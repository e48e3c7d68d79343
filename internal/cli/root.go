// Package cli implements the pupledger command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	pupledger "github.com/getpup/pupledger/pkg"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Output     string // "text" | "json" | "yaml"
	Verbose    bool
}

// ValidOutputs defines the allowed output formats.
var ValidOutputs = []string{"text", "json", "yaml"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "pupledger",
		Short:   "Append-only event ledger",
		Long:    "pupledger stores events in per-stream versioned streams with optimistic concurrency and a resumable global feed.",
		Version: pupledger.Version(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidOutputs, opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, ValidOutputs)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (YAML); PUPLEDGER_* variables override it")
	cmd.PersistentFlags().StringVarP(&opts.Output, "output", "o", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging on stderr")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewReadCommand(opts))
	cmd.AddCommand(NewFeedCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))
	cmd.AddCommand(NewCursorCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}
