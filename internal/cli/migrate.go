package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/getpup/pupledger/es/migrations"
	"github.com/getpup/pupledger/internal/config"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(root *RootOptions) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the events and subscription cursor tables",
		Long:  "Applies the schema for the configured driver. The statements are idempotent, so running migrate twice is safe.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				return printMigration(cmd.OutOrStdout(), root.ConfigPath)
			}

			a, err := openApp(cmd.Context(), cmd, root)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.db.Migrate(cmd.Context(), a.cfg.Tables); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			result := map[string]string{
				"dialect":             string(a.db.Dialect),
				"events_table":        a.cfg.Tables.Events,
				"subscriptions_table": a.cfg.Tables.Subscriptions,
			}
			return a.out.Print(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "migrated %s (%s, %s)\n", a.db.Dialect, a.cfg.Tables.Events, a.cfg.Tables.Subscriptions)
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&printOnly, "print", false, "print the SQL instead of applying it")

	return cmd
}

func printMigration(w io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	dialect, err := migrations.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve dialect", err)
	}

	migrationConfig := migrations.DefaultConfig()
	migrationConfig.EventsTable = cfg.Tables.Events
	migrationConfig.SubscriptionsTable = cfg.Tables.Subscriptions

	sql, err := migrations.SQL(dialect, &migrationConfig)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, sql)
	return err
}
