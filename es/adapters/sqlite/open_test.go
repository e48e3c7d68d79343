package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupledger/es/adapters/sqlite"
)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "plain path", path: "/var/lib/ledger.db", want: "/var/lib/ledger.db?" + pragmas},
		{name: "uri without query", path: "file:ledger.db", want: "file:ledger.db?" + pragmas},
		{name: "uri with query", path: "file:ledger.db?mode=rwc", want: "file:ledger.db?mode=rwc&" + pragmas},
		{name: "uri with several params", path: "file:ledger.db?mode=rwc&cache=private", want: "file:ledger.db?mode=rwc&cache=private&" + pragmas},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sqlite.DSN(tt.path))
		})
	}
}

func TestOpenDB_URIWithQueryKeepsPragmas(t *testing.T) {
	ctx := context.Background()
	path := "file:" + filepath.Join(t.TempDir(), "ledger.db") + "?mode=rwc"

	db, err := sqlite.OpenDB(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var journal string
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)

	var foreignKeys int
	require.NoError(t, db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}
