package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every NotFoundError
	ErrNotFound = errors.New("collab: not found")

	// ErrSessionExists indicates an import under an id already in use
	ErrSessionExists = errors.New("collab: session already exists")

	// ErrInvalidParticipant indicates a participant without an id
	ErrInvalidParticipant = errors.New("collab: participant id is required")

	// ErrInvalidStrategy indicates a resolution with an unknown strategy
	ErrInvalidStrategy = errors.New("collab: invalid resolution strategy")

	// ErrInvalidResolution indicates a resolution without resolved data
	ErrInvalidResolution = errors.New("collab: resolution has no resolved data")

	// ErrHistoryDisabled indicates a store built without a version store
	ErrHistoryDisabled = errors.New("collab: version history is disabled")
)

// NotFoundError reports an unknown session, participant or conflict id
type NotFoundError struct {
	Kind string // "session", "participant" or "conflict"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("collab: %s not found: %s", e.Kind, e.ID)
}

// Is makes errors.Is(err, ErrNotFound) true
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func sessionNotFound(id string) error {
	return &NotFoundError{Kind: "session", ID: id}
}

func conflictNotFound(id string) error {
	return &NotFoundError{Kind: "conflict", ID: id}
}
