// Package store provides a schema-validating client over a generic
// document store, with reference indexes derived from the schemas.
//
// The client sits in front of any [Backend] implementing the document store
// contract (get, bulk get, put/post with revision tokens, remove, index
// query and compaction). Backends for DynamoDB and SQLite live in the
// dynamo and sqlite packages.
//
// # Key Features
//
//   - Every written document is validated against its schema first
//   - Every read document is validated before it is returned
//   - Reference indexes ("<Kind>_by_<field>") derived from Ref and RefList fields
//   - Design artifact reconciliation with optimistic concurrency and bounded retry
//   - Eager index materialization on connect
//   - Reverse reference lookup via [Client.Referencing] and [Client.Referrers]
//
// # Connecting
//
//	client, err := store.Connect(ctx, sqlite.Opener(sqlite.DefaultConfig()), "app.db", []*schema.Schema{
//	    pokemon, trainer,
//	}, store.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// # Design Artifact
//
// The index definitions of all registered schemas are persisted as one
// document under [DefaultDesignID]. [Client.EnsureIndexes] creates it when
// absent, replaces it when the definitions changed (then compacts the
// backend so indexes are rebuilt), and leaves it untouched otherwise. A
// rebuild that did not complete, because Compact failed or the context was
// cancelled, is detected through [Backend.Built] and resumed by the next
// call.
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrNotFound] - document doesn't exist
//   - [ErrConflict] - revision token is stale
//   - [ErrConnection] - the store could not be opened
//   - [ErrUnknownKind] - no schema is registered for a kind
//   - [ErrUnknownIndex] - index is not installed
//   - [ErrIDMismatch] - update payload names another document
//   - [ErrReservedID] - write targets the design artifact's id
//   - [ErrClosed] - client was closed
//
// Validation and configuration failures are reported with the error types
// of the schema package.
package store
