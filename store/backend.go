package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jacentio/lattice/schema"
)

// Backend is the document store contract the Client is written against.
// Implementations materialize the indexes described by the design artifact
// whenever it is written.
type Backend interface {
	// Get returns the document with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// BulkGet returns one entry per id in input order; missing documents
	// are nil entries.
	BulkGet(ctx context.Context, ids []string) ([]*Record, error)

	// Put writes doc under id. An empty rev creates the document; otherwise
	// rev must match the stored revision. Returns the new revision, or
	// ErrConflict.
	Put(ctx context.Context, id, rev string, doc schema.Document) (string, error)

	// Post writes doc under a generated id and returns the id and revision.
	Post(ctx context.Context, doc schema.Document) (id, rev string, err error)

	// Remove deletes the document at rev. Returns ErrNotFound or ErrConflict.
	Remove(ctx context.Context, id, rev string) error

	// Query returns the rows an installed index emitted for key, ordered by
	// document id. Returns ErrUnknownIndex for an index that is not installed.
	Query(ctx context.Context, index, key string) ([]Row, error)

	// Compact discards stale index data and rebuilds every index of the
	// stored design artifact, then records the artifact revision it
	// rebuilt from.
	Compact(ctx context.Context) error

	// Built returns the design artifact revision recorded by the last
	// completed Compact, or "" if none completed.
	Built(ctx context.Context) (string, error)

	// Close releases the store handle.
	Close() error
}

// Opener opens or creates the store at location.
type Opener func(ctx context.Context, location string) (Backend, error)

// Record is a stored document with its revision.
type Record struct {
	ID  string
	Rev string
	Doc schema.Document
}

// Row is one index entry: the id of the emitting document and the key.
type Row struct {
	ID  string
	Key string
}

// NewID generates a document id (UUID v7, time ordered).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to UUID v4 if v7 generation fails
		return uuid.New().String()
	}
	return id.String()
}

// NextRevision returns the revision that follows rev. Revisions have the
// form "<generation>-<hex>"; an empty rev yields generation 1.
func NextRevision(rev string) string {
	return fmt.Sprintf("%d-%s", RevisionGeneration(rev)+1, strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// RevisionGeneration returns the generation number of rev, or 0 when rev
// is empty or malformed.
func RevisionGeneration(rev string) int {
	prefix, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(prefix)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
