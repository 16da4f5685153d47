package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a malformed submission.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound marks an unknown run identifier.
	ErrNotFound = errors.New("not found")

	// ErrAgentNotFound marks a submission for an agent missing from the catalog.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrCapacityExceeded is returned when the queue depth limit is reached.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvariantViolation marks a state machine or token accounting bug.
	ErrInvariantViolation = errors.New("internal invariant violation")

	// ErrShuttingDown is returned for submissions after drain has started.
	ErrShuttingDown = errors.New("shutting down")
)

// InvariantError wraps ErrInvariantViolation with detail.
func InvariantError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
