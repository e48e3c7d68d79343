// Package migrations provides SQL migration generation for the event ledger.
package migrations

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/getpup/pupledger/es"
)

// Dialect identifies a SQL backend.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Config configures migration generation.
type Config struct {
	// GeneratedAt is written into the migration header; zero means now
	GeneratedAt time.Time

	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// SubscriptionsTable is the name of the subscription cursors table
	SubscriptionsTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:       "migrations",
		OutputFilename:     fmt.Sprintf("%s_init_event_ledger.sql", timestamp),
		EventsTable:        "events",
		SubscriptionsTable: "subscription_cursors",
	}
}

// ParseDialect maps a driver or adapter name to its dialect.
// "pgx" is accepted as an alias of postgres.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("unsupported adapter %q: supported adapters are postgres, mysql, sqlite", name)
	}
}

// ValidateTableName rejects names that are not plain SQL identifiers.
// Table names are interpolated into statements and must never carry input.
func ValidateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// SQL renders the migration for the dialect.
func SQL(dialect Dialect, config *Config) (string, error) {
	if err := ValidateTableName(config.EventsTable); err != nil {
		return "", err
	}
	if err := ValidateTableName(config.SubscriptionsTable); err != nil {
		return "", err
	}
	switch dialect {
	case Postgres:
		return generatePostgresSQL(config), nil
	case MySQL:
		return generateMySQLSQL(config), nil
	case SQLite:
		return generateSQLiteSQL(config), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

// Generate writes the migration for the dialect into the configured folder.
func Generate(dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config)
	if err != nil {
		return err
	}

	// Ensure output folder exists
	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(SQLite, config)
}

// Apply renders the migration and executes it against db.
// MySQL does not accept several statements per Exec by default, so its
// migration is executed statement by statement.
func Apply(ctx context.Context, db es.DBTX, dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config)
	if err != nil {
		return err
	}

	if dialect != MySQL {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return fmt.Errorf("failed to apply %s migration: %w", dialect, err)
		}
		return nil
	}

	for _, stmt := range Statements(sql) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply %s migration: %w", dialect, err)
		}
	}
	return nil
}

// Statements splits a migration without procedural bodies into statements,
// dropping comments and blank lines.
func Statements(sql string) []string {
	var stmts []string
	var b strings.Builder
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmts = append(stmts, strings.TrimSpace(b.String()))
			b.Reset()
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}

func generatedAt(config *Config) string {
	if config.GeneratedAt.IsZero() {
		return time.Now().Format(time.RFC3339)
	}
	return config.GeneratedAt.Format(time.RFC3339)
}

func generatePostgresSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Ledger Migration
-- Generated: %s

-- Events table stores all committed events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    global_id BIGSERIAL PRIMARY KEY,
    stream_id TEXT NOT NULL,
    stream_version BIGINT NOT NULL CHECK (stream_version >= 0),
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    payload BYTEA NOT NULL,
    metadata BYTEA NOT NULL,
    tenant_id UUID,
    transaction_id XID8 NOT NULL DEFAULT pg_current_xact_id(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Ensure version uniqueness per stream
    CONSTRAINT %s_stream_version_key UNIQUE (stream_id, stream_version)
);

-- Index for event type filtered feed reads
CREATE INDEX IF NOT EXISTS idx_%s_event_type
    ON %s (event_type, global_id);

-- Index for tenant scoped reads
CREATE INDEX IF NOT EXISTS idx_%s_tenant
    ON %s (tenant_id) WHERE tenant_id IS NOT NULL;

-- Committed events are never updated or deleted
CREATE OR REPLACE FUNCTION %s_forbid_mutation() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION '%s is append-only: %% forbidden', TG_OP;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS %s_append_only ON %s;
CREATE TRIGGER %s_append_only
    BEFORE UPDATE OR DELETE ON %s
    FOR EACH ROW EXECUTE FUNCTION %s_forbid_mutation();

-- Subscription cursors track the last acknowledged global id per subscription
CREATE TABLE IF NOT EXISTS %s (
    subscription_id TEXT PRIMARY KEY,
    last_position BIGINT NOT NULL DEFAULT 0 CHECK (last_position >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		generatedAt(config),
		config.EventsTable,
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.EventsTable,
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.SubscriptionsTable,
	)
}

func generateSQLiteSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Ledger Migration for SQLite
-- Generated: %s

-- Events table stores all committed events in append-only fashion
CREATE TABLE IF NOT EXISTS %s (
    global_id INTEGER PRIMARY KEY AUTOINCREMENT,
    stream_id TEXT NOT NULL,
    stream_version INTEGER NOT NULL CHECK (stream_version >= 0),
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    payload BLOB NOT NULL,
    metadata BLOB NOT NULL,
    tenant_id TEXT,
    created_at TEXT NOT NULL,

    -- Ensure version uniqueness per stream
    UNIQUE (stream_id, stream_version)
);

-- Index for event type filtered feed reads
CREATE INDEX IF NOT EXISTS idx_%s_event_type
    ON %s (event_type, global_id);

-- Committed events are never updated or deleted
CREATE TRIGGER IF NOT EXISTS trg_%s_no_update
BEFORE UPDATE ON %s
BEGIN
    SELECT RAISE(ABORT, '%s is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_%s_no_delete
BEFORE DELETE ON %s
BEGIN
    SELECT RAISE(ABORT, '%s is append-only: DELETE forbidden');
END;

-- Subscription cursors track the last acknowledged global id per subscription
CREATE TABLE IF NOT EXISTS %s (
    subscription_id TEXT PRIMARY KEY,
    last_position INTEGER NOT NULL DEFAULT 0 CHECK (last_position >= 0),
    updated_at TEXT NOT NULL
);
`,
		generatedAt(config),
		config.EventsTable,
		config.EventsTable, config.EventsTable,
		config.EventsTable, config.EventsTable, config.EventsTable,
		config.EventsTable, config.EventsTable, config.EventsTable,
		config.SubscriptionsTable,
	)
}

func generateMySQLSQL(config *Config) string {
	return fmt.Sprintf(`-- Event Ledger Migration for MySQL/MariaDB
-- Generated: %s

-- Events table stores all committed events in append-only fashion
-- utf8mb4_bin keeps stream id comparison byte-wise
CREATE TABLE IF NOT EXISTS %s (
    global_id BIGINT AUTO_INCREMENT PRIMARY KEY,
    stream_id VARCHAR(255) NOT NULL,
    stream_version BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL,
    event_type VARCHAR(255) NOT NULL,
    payload LONGBLOB NOT NULL,
    metadata LONGBLOB NOT NULL,
    tenant_id CHAR(36),
    created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),

    UNIQUE KEY uq_%s_event_id (event_id),
    UNIQUE KEY uq_%s_stream_version (stream_id, stream_version),
    KEY idx_%s_event_type (event_type, global_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin;

-- Subscription cursors track the last acknowledged global id per subscription
CREATE TABLE IF NOT EXISTS %s (
    subscription_id VARCHAR(255) PRIMARY KEY,
    last_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin;
`,
		generatedAt(config),
		config.EventsTable,
		config.EventsTable, config.EventsTable, config.EventsTable,
		config.SubscriptionsTable,
	)
}
