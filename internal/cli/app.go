package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/getpup/pupledger/es"
	"github.com/getpup/pupledger/es/ledger"
	"github.com/getpup/pupledger/es/publisher"
	"github.com/getpup/pupledger/internal/config"
	"github.com/getpup/pupledger/internal/database"
)

// app is what a command needs once configuration is loaded.
type app struct {
	db        *database.DB
	ledger    *ledger.Ledger
	publisher *publisher.Publisher
	logger    es.Logger
	out       *OutputFormatter
	cfg       config.Config
}

func newLogger(cfg config.LogConfig, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

// openApp loads configuration, opens the pools and builds the ledger.
// The caller must call close.
func openApp(ctx context.Context, cmd *cobra.Command, opts *RootOptions) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}

	slogger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "configure logging", err)
	}
	logger := es.NewSlogLogger(slogger)

	db, err := database.Open(ctx, cfg.Database, cfg.Tables, logger)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}

	pub := publisher.New(publisher.WithLogger(logger))

	return &app{
		db:        db,
		ledger:    db.Ledger(ledger.WithPublisher(pub), ledger.WithLogger(logger)),
		publisher: pub,
		logger:    logger,
		out:       &OutputFormatter{Writer: cmd.OutOrStdout(), Format: opts.Output},
		cfg:       cfg,
	}, nil
}

func (a *app) close() {
	_ = a.db.Close()
}
