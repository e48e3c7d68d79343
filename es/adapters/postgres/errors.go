package postgres

import (
	"errors"
	"strings"

	"github.com/jackc/pgx"
	"github.com/lib/pq"

	"github.com/getpup/pupledger/es/store"
)

// SQLSTATE codes the adapter reacts to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeQueryCanceled        = "57014"
	codeAdminShutdown        = "57P01"
	codeTooManyConnections   = "53300"
)

// pgError extracts the SQLSTATE and constraint name from either driver:
// lib/pq ("postgres") or pgx ("pgx").
func pgError(err error) (code, constraint string, ok bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint, true
	}
	var pgxErr pgx.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code, pgxErr.ConstraintName, true
	}
	var pgxErrPtr *pgx.PgError
	if errors.As(err, &pgxErrPtr) {
		return pgxErrPtr.Code, pgxErrPtr.ConstraintName, true
	}
	return "", "", false
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
func IsUniqueViolation(err error) bool {
	code, _, ok := pgError(err)
	return ok && code == codeUniqueViolation
}

// IsVersionConflict reports a unique violation on (stream_id, stream_version).
func IsVersionConflict(err error) bool {
	code, constraint, ok := pgError(err)
	return ok && code == codeUniqueViolation && strings.Contains(constraint, "stream_version")
}

// IsTransient reports SQLSTATEs that are worth retrying with backoff.
func IsTransient(err error) bool {
	code, _, ok := pgError(err)
	if !ok {
		return false
	}
	switch code {
	case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
		codeQueryCanceled, codeAdminShutdown, codeTooManyConnections:
		return true
	}
	// Class 08: connection exception
	return strings.HasPrefix(code, "08")
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
