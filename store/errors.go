package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a document doesn't exist.
	ErrNotFound = errors.New("lattice: document not found")

	// ErrConflict is returned when a write carries a stale revision token.
	ErrConflict = errors.New("lattice: document revision conflict")

	// ErrConnection is matched by every *ConnectionError.
	ErrConnection = errors.New("lattice: store connection failed")

	// ErrUnknownKind is returned when no registered schema has the requested kind.
	ErrUnknownKind = errors.New("lattice: no schema registered for kind")

	// ErrUnknownIndex is returned when querying an index that is not installed.
	ErrUnknownIndex = errors.New("lattice: index not installed")

	// ErrIDMismatch is returned when an update payload names another document.
	ErrIDMismatch = errors.New("lattice: payload id does not match document id")

	// ErrReservedID is returned when a document write names the design
	// artifact's id.
	ErrReservedID = errors.New("lattice: document id is reserved")

	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("lattice: client is closed")
)

// ConnectionError reports a failure to open the underlying store.
type ConnectionError struct {
	Location string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("lattice: connect to %q: %v", e.Location, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }
