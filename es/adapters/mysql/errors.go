package mysql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/getpup/pupledger/es/store"
)

// Server error numbers the adapter reacts to.
const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errTooManyConns    = 1040
)

// IsUniqueViolation checks if an error is a MySQL duplicate key error.
func IsUniqueViolation(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}

// IsVersionConflict reports a duplicate entry on the (stream_id, stream_version) key.
func IsVersionConflict(err error) bool {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != errDuplicateEntry {
		return false
	}
	return strings.Contains(mysqlErr.Message, "stream_version")
}

// IsTransient reports deadlocks, lock wait timeouts and dropped connections.
func IsTransient(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) {
		return false
	}
	switch mysqlErr.Number {
	case errDeadlock, errLockWaitTimeout, errTooManyConns:
		return true
	}
	return false
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
	if IsTransient(err) || store.IsConnectionError(err) {
		return store.Transient(op, err)
	}
	return store.Fatal(op, err)
}
