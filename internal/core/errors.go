package core

import (
	"errors"
	"fmt"
)

// Error taxonomy for the consensus core. Handlers and the coordinator
// match these with errors.Is; wrapping with fmt.Errorf("...: %w") keeps
// the kind intact while adding context.
var (
	// ErrValidation: inputs malformed or violating field constraints.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden: principal lacks the capability, or is a party where
	// neutrality is required.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound: referenced entity absent.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: operation inconsistent with the state machine.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict: optimistic concurrency loss; retried inside the core
	// before surfacing.
	ErrConflict = errors.New("version conflict")

	// ErrStopped: emergency stop active on the transaction or globally.
	ErrStopped = errors.New("emergency stop active")

	// ErrTimeout: the caller's deadline elapsed inside the core.
	ErrTimeout = errors.New("operation timed out")

	// ErrInternal: unexpected storage/bus failure.
	ErrInternal = errors.New("internal error")
)

// Validationf builds a field-level validation error.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Forbiddenf builds a capability error with context.
func Forbiddenf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// InvalidStatef builds a state machine violation error with context.
func InvalidStatef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// ErrorKind maps an error to its taxonomy name, for the external
// surface and metrics labels. Unrecognized errors report "internal".
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
