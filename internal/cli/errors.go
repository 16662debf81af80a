package cli

import (
	"errors"
	"fmt"
)

const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
	// ExitConflict is returned when another run holds the sync lock.
	ExitConflict = 3
)

type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit status. Errors that are not an
// ExitError exit with ExitFailure.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if e, ok := errors.AsType[*ExitError](err); ok {
		return e.Code
	}
	return ExitFailure
}
