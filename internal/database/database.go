// Package database opens the connection pools and picks the store adapter
// for the configured driver.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"           // registers the "postgres" driver

	"github.com/getpup/pupledger/es"
	mysqladapter "github.com/getpup/pupledger/es/adapters/mysql"
	"github.com/getpup/pupledger/es/adapters/postgres"
	"github.com/getpup/pupledger/es/adapters/sqlite"
	"github.com/getpup/pupledger/es/ledger"
	"github.com/getpup/pupledger/es/migrations"
	"github.com/getpup/pupledger/es/store"
	"github.com/getpup/pupledger/internal/config"
)

// DB bundles the pools and the adapter that matches them.
type DB struct {
	Adapter store.Adapter
	Write   *sql.DB

	// Read equals Write unless a read pool is configured
	Read *sql.DB

	Dialect migrations.Dialect
}

// Open opens the write pool and, when configured, a separate read pool.
// Both are pinged before returning.
func Open(ctx context.Context, dbCfg config.DatabaseConfig, tables config.TablesConfig, logger es.Logger) (*DB, error) {
	dialect, err := migrations.ParseDialect(dbCfg.Driver)
	if err != nil {
		return nil, err
	}

	write, err := openPool(ctx, dbCfg.Driver, dbCfg.DSN)
	if err != nil {
		return nil, err
	}
	configurePool(write, dbCfg.Driver, dbCfg.MaxOpenConns, dbCfg.MaxIdleConns, dbCfg.ConnMaxLifetime)

	read := write
	if dbCfg.Read.DSN != "" || dbCfg.Read.MaxOpenConns > 0 {
		dsn := dbCfg.Read.DSN
		if dsn == "" {
			dsn = dbCfg.DSN
		}
		read, err = openPool(ctx, dbCfg.Driver, dsn)
		if err != nil {
			_ = write.Close()
			return nil, err
		}
		configurePool(read, dbCfg.Driver, dbCfg.Read.MaxOpenConns, dbCfg.MaxIdleConns, dbCfg.ConnMaxLifetime)
	}

	adapter, err := NewAdapter(dialect, tables, logger)
	if err != nil {
		_ = closeAll(write, read)
		return nil, err
	}

	return &DB{Adapter: adapter, Write: write, Read: read, Dialect: dialect}, nil
}

// NewAdapter builds the store adapter for dialect.
func NewAdapter(dialect migrations.Dialect, tables config.TablesConfig, logger es.Logger) (store.Adapter, error) {
	switch dialect {
	case migrations.Postgres:
		cfg := postgres.NewStoreConfig(
			postgres.WithEventsTable(tables.Events),
			postgres.WithSubscriptionsTable(tables.Subscriptions),
			postgres.WithLogger(logger))
		return postgres.NewStore(cfg), nil
	case migrations.MySQL:
		cfg := mysqladapter.NewStoreConfig(
			mysqladapter.WithEventsTable(tables.Events),
			mysqladapter.WithSubscriptionsTable(tables.Subscriptions),
			mysqladapter.WithLogger(logger))
		return mysqladapter.NewStore(cfg), nil
	case migrations.SQLite:
		cfg := sqlite.NewStoreConfig(
			sqlite.WithEventsTable(tables.Events),
			sqlite.WithSubscriptionsTable(tables.Subscriptions),
			sqlite.WithLogger(logger))
		return sqlite.NewStore(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Ledger builds a ledger over the pools.
func (d *DB) Ledger(opts ...ledger.Option) *ledger.Ledger {
	if d.Read != d.Write {
		opts = append([]ledger.Option{ledger.WithReadDB(d.Read)}, opts...)
	}
	return ledger.New(d.Write, d.Adapter, opts...)
}

// Migrate applies the schema for the configured dialect.
func (d *DB) Migrate(ctx context.Context, tables config.TablesConfig) error {
	cfg := migrations.DefaultConfig()
	cfg.EventsTable = tables.Events
	cfg.SubscriptionsTable = tables.Subscriptions
	return migrations.Apply(ctx, d.Write, d.Dialect, &cfg)
}

// Close closes both pools.
func (d *DB) Close() error {
	return closeAll(d.Write, d.Read)
}

func closeAll(write, read *sql.DB) error {
	var errs []error
	if read != nil && read != write {
		errs = append(errs, read.Close())
	}
	if write != nil {
		errs = append(errs, write.Close())
	}
	return errors.Join(errs...)
}

func openPool(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case "sqlite":
		return sqlite.OpenDB(ctx, dsn)
	case "mysql":
		normalized, err := MySQLDSN(dsn)
		if err != nil {
			return nil, err
		}
		dsn = normalized
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}
	return db, nil
}

func configurePool(db *sql.DB, driver string, maxOpen, maxIdle int, lifetime time.Duration) {
	if driver == "sqlite" {
		// sqlite.OpenDB already pins the pool to one connection.
		return
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}
}

// MySQLDSN forces the settings the MySQL adapter relies on: DATETIME columns
// scan into time.Time and are interpreted as UTC.
func MySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
