// Package sqlite implements the document store contract on an embedded
// SQLite database. Documents are stored as JSON; index entries for the
// installed design artifact are maintained in the same transaction as the
// document write.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/store"
)

// Schema DDL, executed in order on Open.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    rev TEXT NOT NULL,
    body TEXT NOT NULL
);`,
	`CREATE TABLE IF NOT EXISTS view_entries (
    view TEXT NOT NULL,
    key TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    PRIMARY KEY (view, key, doc_id, seq)
);`,
	`CREATE INDEX IF NOT EXISTS idx_view_entries_doc ON view_entries(doc_id);`,
	`CREATE TABLE IF NOT EXISTS meta (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL
);`,
}

// metaBuilt names the meta row holding the design revision of the last
// completed Compact.
const metaBuilt = "built"

// bulkChunk keeps IN lists below SQLite's bound-parameter limit.
const bulkChunk = 500

// Config holds configuration for the SQLite backend.
type Config struct {
	// DesignID is the document id of the design artifact.
	// Default: store.DefaultDesignID
	DesignID string
}

// DefaultConfig returns the default backend configuration.
func DefaultConfig() Config {
	return Config{DesignID: store.DefaultDesignID}
}

func (c *Config) validate() {
	if c.DesignID == "" {
		c.DesignID = store.DefaultDesignID
	}
}

// Backend is a store.Backend over one SQLite database file.
type Backend struct {
	db     *sql.DB
	config Config

	mu        sync.RWMutex
	views     schema.Indexes
	designRev string
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the database at path and loads the installed
// indexes.
func Open(ctx context.Context, path string, config Config) (*Backend, error) {
	config.validate()

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	b := &Backend{db: db, config: config, views: schema.Indexes{}}
	if _, _, err := b.currentViews(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// Opener returns a store.Opener that opens SQLite databases with config.
func Opener(config Config) store.Opener {
	return func(ctx context.Context, location string) (store.Backend, error) {
		return Open(ctx, location, config)
	}
}

// currentViews returns the indexes of the stored design artifact, reparsing it
// only when its revision differs from the cached one. Another process may
// replace the artifact at any time.
func (b *Backend) currentViews(ctx context.Context, q querier) (schema.Indexes, string, error) {
	var rev, body string
	err := q.QueryRowContext(ctx, `SELECT rev, body FROM documents WHERE id = ?`, b.config.DesignID).Scan(&rev, &body)
	if errors.Is(err, sql.ErrNoRows) {
		b.setViews(schema.Indexes{}, "")
		return schema.Indexes{}, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load design artifact: %w", err)
	}

	b.mu.RLock()
	cached, cachedRev := b.views, b.designRev
	b.mu.RUnlock()
	if cachedRev == rev {
		return cached, rev, nil
	}

	rec, err := decodeRecord(b.config.DesignID, rev, body)
	if err != nil {
		return nil, "", err
	}
	views, err := store.ParseDesign(rec.Doc)
	if err != nil {
		return nil, "", err
	}
	b.setViews(views, rev)
	return views, rev, nil
}

func (b *Backend) setViews(views schema.Indexes, rev string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.views = views
	b.designRev = rev
}

// Get retrieves a document by id, returning store.ErrNotFound if missing.
func (b *Backend) Get(ctx context.Context, id string) (*store.Record, error) {
	var rev, body string
	err := b.db.QueryRowContext(ctx, `SELECT rev, body FROM documents WHERE id = ?`, id).Scan(&rev, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(id, rev, body)
}

// BulkGet retrieves documents in input order, with nil entries for
// missing ids.
func (b *Backend) BulkGet(ctx context.Context, ids []string) ([]*store.Record, error) {
	found := make(map[string]*store.Record, len(ids))

	for start := 0; start < len(ids); start += bulkChunk {
		chunk := ids[start:min(start+bulkChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := b.db.QueryContext(ctx, `SELECT id, rev, body FROM documents WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, rev, body string
			if err := rows.Scan(&id, &rev, &body); err != nil {
				rows.Close()
				return nil, err
			}
			rec, err := decodeRecord(id, rev, body)
			if err != nil {
				rows.Close()
				return nil, err
			}
			found[id] = rec
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	out := make([]*store.Record, len(ids))
	for i, id := range ids {
		out[i] = found[id]
	}
	return out, nil
}

// Put writes doc under id when rev matches the stored revision (empty for
// a new document) and rewrites the document's index entries.
func (b *Backend) Put(ctx context.Context, id, rev string, doc schema.Document) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode document %s: %w", id, err)
	}

	var views schema.Indexes
	isDesign := id == b.config.DesignID
	if isDesign {
		if views, err = store.ParseDesign(doc); err != nil {
			return "", err
		}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	current, err := currentRev(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if current != rev {
		return "", store.ErrConflict
	}

	next := store.NextRevision(current)
	if _, err := tx.ExecContext(ctx, `INSERT INTO documents (id, rev, body) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, body = excluded.body`, id, next, string(body)); err != nil {
		return "", err
	}

	if !isDesign {
		views, _, err := b.currentViews(ctx, tx)
		if err != nil {
			return "", err
		}
		if err := writeEntries(ctx, tx, views, id, doc); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	if isDesign {
		b.setViews(views, next)
	}
	return next, nil
}

// Post writes doc under a generated id.
func (b *Backend) Post(ctx context.Context, doc schema.Document) (string, string, error) {
	id := store.NewID()
	rev, err := b.Put(ctx, id, "", doc)
	if err != nil {
		return "", "", err
	}
	return id, rev, nil
}

// Remove deletes the document at rev together with its index entries.
func (b *Backend) Remove(ctx context.Context, id, rev string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	current, err := currentRev(ctx, tx, id)
	if err != nil {
		return err
	}
	if current == "" {
		return store.ErrNotFound
	}
	if current != rev {
		return store.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_entries WHERE doc_id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if id == b.config.DesignID {
		b.setViews(schema.Indexes{}, "")
	}
	return nil
}

// Query returns the rows of an installed index for key, ordered by
// document id.
func (b *Backend) Query(ctx context.Context, index, key string) ([]store.Row, error) {
	views, _, err := b.currentViews(ctx, b.db)
	if err != nil {
		return nil, err
	}
	if _, ok := views[index]; !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrUnknownIndex, index)
	}

	rows, err := b.db.QueryContext(ctx,
		`SELECT doc_id, key FROM view_entries WHERE view = ? AND key = ? ORDER BY doc_id, seq`, index, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []store.Row{}
	for rows.Next() {
		var row store.Row
		if err := rows.Scan(&row.ID, &row.Key); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Compact drops every index entry, re-emits entries for the stored design
// artifact's indexes from all documents and records the artifact revision
// as built, in one transaction.
func (b *Backend) Compact(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	views, designRev, err := b.currentViews(ctx, tx)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM view_entries`); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, body FROM documents WHERE id != ?`, b.config.DesignID)
	if err != nil {
		return err
	}
	docs := make(map[string]schema.Document)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return err
		}
		var doc schema.Document
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			rows.Close()
			return fmt.Errorf("decode document %s: %w", id, err)
		}
		docs[id] = doc
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for id, doc := range docs {
		if err := writeEntries(ctx, tx, views, id, doc); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value = excluded.value`, metaBuilt, designRev); err != nil {
		return err
	}
	return tx.Commit()
}

// Built returns the design revision recorded by the last completed Compact.
func (b *Backend) Built(ctx context.Context) (string, error) {
	var rev string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ?`, metaBuilt).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return rev, err
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// currentRev returns the stored revision of id, or "" if it doesn't exist.
func currentRev(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var rev string
	err := tx.QueryRowContext(ctx, `SELECT rev FROM documents WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return rev, err
}

// writeEntries replaces the index entries of document id.
func writeEntries(ctx context.Context, tx *sql.Tx, views schema.Indexes, id string, doc schema.Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM view_entries WHERE doc_id = ?`, id); err != nil {
		return err
	}
	for seq, e := range views.Emit(doc) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO view_entries (view, key, doc_id, seq) VALUES (?, ?, ?, ?)`, e.Index, e.Key, id, seq); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(id, rev, body string) (*store.Record, error) {
	var doc schema.Document
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	return &store.Record{ID: id, Rev: rev, Doc: doc}, nil
}
