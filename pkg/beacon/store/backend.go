package store

import "errors"

// Backend persists the store's serialized record.
// Implementations must be safe for concurrent use and must make Save atomic:
// after a crash, Load returns either the previous or the new snapshot, never
// a mix of both.
type Backend interface {
	// Load returns the last saved snapshot.
	// Returns ErrNotFound if nothing has been saved yet.
	Load() ([]byte, error)

	// Save replaces the snapshot.
	Save(data []byte) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the backend holds no snapshot.
	ErrNotFound = errors.New("event store record not found")

	// ErrStoreClosed indicates the store or backend has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrInvalidEvent indicates an event that violates its type's rules.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrDuplicateEvent indicates an event id already pending.
	ErrDuplicateEvent = errors.New("duplicate event id")

	// ErrCorrupt indicates a persisted record that cannot be understood.
	ErrCorrupt = errors.New("event store record corrupt")
)
