package sqlite

import (
	"errors"
	"strings"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/getpup/pupledger/es/store"
)

// IsUniqueViolation checks if an error is a SQLite unique constraint violation.
func IsUniqueViolation(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsVersionConflict reports a unique violation on (stream_id, stream_version).
// Violations on event_id are not version conflicts.
func IsVersionConflict(err error) bool {
	return IsUniqueViolation(err) && strings.Contains(err.Error(), "stream_version")
}

// IsBusy reports SQLITE_BUSY and SQLITE_LOCKED, including extended codes.
func IsBusy(err error) bool {
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	primary := sqliteErr.Code() & 0xff
	return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
}

// ClassifyError implements store.Adapter.
func (s *Store) ClassifyError(op string, err error) error {
	return classify(op, err)
}

// classify maps a driver error onto the ledger's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsBusy(err) || store.IsConnectionError(err) {
		return store.Transient(op, err)
	}
	return store.Fatal(op, err)
}
