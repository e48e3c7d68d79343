package cli

import (
	"errors"
	"fmt"

	"github.com/getpup/pupledger/es"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Storage or unexpected failure
	ExitCommandError = 2 // Bad flags, config or input
	ExitConflict     = 3 // Expected version did not match
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Err     error
	Message string
	Code    int
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Ledger errors map onto codes by kind; anything else is ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case es.IsConcurrencyConflict(err):
		return ExitConflict
	case errors.Is(err, es.ErrValidation):
		return ExitCommandError
	default:
		return ExitFailure
	}
}
