package daemon

import (
	"errors"
	"fmt"
)

// Common errors returned by daemon control operations
var (
	// ErrNotRunning indicates no live daemon process: the pidfile is missing
	// or the recorded pid no longer refers to a live process
	ErrNotRunning = errors.New("daemon: not running")

	// ErrAlreadyRunning indicates a liveness probe against the pidfile succeeded
	ErrAlreadyRunning = errors.New("daemon: already running")

	// ErrPidfileFormat indicates the pidfile content is not a decimal process id
	ErrPidfileFormat = errors.New("daemon: pidfile is not a decimal pid")

	// ErrUnknownIdentity indicates the configured user or group name could not
	// be resolved to a numeric id
	ErrUnknownIdentity = errors.New("daemon: unknown user or group")

	// ErrUnknownAction indicates an action name with no bound operation
	ErrUnknownAction = errors.New("daemon: unknown action")
)

// OpError represents an error from a daemon control operation
type OpError struct {
	// Action is the control action that failed
	Action Action
	// Path is the file path involved in the operation
	Path string
	// Err is the underlying error
	Err error
}

// Error returns a formatted error message
func (e *OpError) Error() string {
	return fmt.Sprintf("daemon %s %q: %v", e.Action.String(), e.Path, e.Err)
}

// Unwrap returns the underlying error for error chain inspection
func (e *OpError) Unwrap() error {
	return e.Err
}

// ExitError carries the exit code a run hook requested. A nil run error and an
// ExitError with code zero are equivalent clean stops.
type ExitError struct {
	// Code is the requested process exit code
	Code int
}

// Error returns a formatted error message
func (e *ExitError) Error() string {
	return fmt.Sprintf("daemon: exit code %d", e.Code)
}

// Exit returns an error requesting the daemon terminate with the given code.
// Returning Exit(0) from a run hook is a clean stop.
func Exit(code int) error {
	return &ExitError{Code: code}
}
