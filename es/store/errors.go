package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/getpup/pupledger/es"
)

// IsConnectionError reports failures that are independent of the backend:
// cancelled or expired contexts, broken pooled connections and network errors.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Transient wraps err as a retryable storage error.
func Transient(op string, err error) error {
	return &es.TransientStorageError{Op: op, Err: err}
}

// Fatal wraps err as a non-retryable schema error.
func Fatal(op string, err error) error {
	return &es.FatalSchemaError{Op: op, Err: err}
}
