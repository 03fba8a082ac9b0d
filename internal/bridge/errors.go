package bridge

import (
	"errors"
	"fmt"
)

// Error kinds returned by the lifecycle managers. Callers match them with
// errors.Is; the wrapped message carries the identifier involved.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state")
	ErrInProcess         = errors.New("in process")
	ErrNotInitialized    = errors.New("not initialized")
	ErrExternal          = errors.New("external failure")
	ErrConflict          = errors.New("update conflict")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidRequest    = errors.New("invalid request")
)

// StateError reports an operation attempted while an entity is in a status
// that does not permit it. It matches ErrInvalidState, and ErrInProcess when
// the entity is still moving through its lifecycle.
type StateError struct {
	Entity    string
	ID        string
	Status    string
	Operation string
	InProcess bool
}

func (e *StateError) Error() string {
	if e.InProcess {
		return fmt.Sprintf("%s %s is still in process (status %s): cannot %s", e.Entity, e.ID, e.Status, e.Operation)
	}
	return fmt.Sprintf("%s %s has status %s: cannot %s", e.Entity, e.ID, e.Status, e.Operation)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState || (e.InProcess && target == ErrInProcess)
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func external(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrExternal, err)
}
