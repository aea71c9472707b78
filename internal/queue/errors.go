package queue

import "errors"

var (
	// ErrNotFound is returned when the requested batch or job does not exist.
	ErrNotFound = errors.New("queue: item not found")
	// ErrExists is returned when creating an item whose ID is taken.
	ErrExists = errors.New("queue: item already exists")
	// ErrLocked is returned by administrative operations when a daemon holds the item.
	ErrLocked = errors.New("queue: item is locked by another session")
	// ErrLockLost is returned when a claim's lock disappeared or the entity
	// changed underneath it; the caller must abandon the item.
	ErrLockLost = errors.New("queue: lock lost")
	// ErrInvalidTransition is returned for state changes the pipeline forbids.
	ErrInvalidTransition = errors.New("queue: invalid state transition")
	// ErrInvalidSubmission is returned for malformed submission documents.
	ErrInvalidSubmission = errors.New("queue: invalid submission")
	// ErrReleased is returned when a released claim is used again.
	ErrReleased = errors.New("queue: claim already released")
)
