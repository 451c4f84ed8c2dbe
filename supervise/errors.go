package supervise

import (
	"errors"
	"fmt"
)

// Errors returned by supervisor operations.
// Use [errors.Is] to check for specific conditions.
var (
	// ErrChildNotFound is returned when a child id is not registered.
	ErrChildNotFound = errors.New("child not found")

	// ErrChildAlreadyPresent is returned by [Supervisor.AddChild] when the
	// id is already registered. The actual error is an
	// [AlreadyPresentError] carrying the id.
	ErrChildAlreadyPresent = errors.New("child already present")

	// ErrChildNotRunning is returned by operations that need a live child
	// instance, such as posting a message or writing to stdin.
	ErrChildNotRunning = errors.New("child is not running")

	// ErrInvalidSpec is returned when a child spec is missing an id or a
	// start function.
	ErrInvalidSpec = errors.New("invalid child spec")

	// ErrRestartsExceeded is the crash cause recorded when a child exhausts
	// its restart budget inside the policy window.
	ErrRestartsExceeded = errors.New("child restart limit exceeded")
)

// AlreadyPresentError is returned by [Supervisor.AddChild] for duplicate
// ids.
type AlreadyPresentError struct {
	// ID is the duplicated child id.
	ID string
}

func (e AlreadyPresentError) Error() string {
	return fmt.Sprintf("child already present: %s", e.ID)
}

// Unwrap returns [ErrChildAlreadyPresent] so [errors.Is] works.
func (e AlreadyPresentError) Unwrap() error {
	return ErrChildAlreadyPresent
}
