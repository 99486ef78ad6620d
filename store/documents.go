package store

import (
	"context"
	"fmt"

	"github.com/jacentio/lattice/schema"
)

// Schema returns the schema registered for kind, or ErrUnknownKind.
func (c *Client) Schema(kind string) (*schema.Schema, error) {
	s, ok := c.registry.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return s, nil
}

// Get returns the document with the given id. The stored document is
// validated against the schema named by its type before it is returned.
func (c *Client) Get(ctx context.Context, id string) (*Record, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	rec, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.check(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetBatch returns one entry per id in input order. Documents that don't
// exist are nil entries; they do not fail the batch.
func (c *Client) GetBatch(ctx context.Context, ids []string) ([]*Record, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	if len(ids) == 0 {
		return []*Record{}, nil
	}

	recs, err := c.backend.BulkGet(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(recs) != len(ids) {
		return nil, fmt.Errorf("bulk get returned %d entries for %d ids", len(recs), len(ids))
	}
	for _, rec := range recs {
		if rec == nil {
			continue
		}
		if err := c.check(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// check validates a stored record against its schema.
func (c *Client) check(rec *Record) error {
	kind := rec.Doc.Type()
	s, ok := c.registry.Lookup(kind)
	if !ok {
		return fmt.Errorf("%w: %q (document %s)", ErrUnknownKind, kind, rec.ID)
	}
	return s.Validate(rec.Doc)
}

// Create assembles a new document of kind from payload, adding type, a
// generated id unless payload carries one, and for timestamped schemas
// createdAt and updatedAt. The assembled document is validated before it
// is written; payload itself is not modified.
func (c *Client) Create(ctx context.Context, kind string, payload schema.Document) (*Record, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	s, err := c.Schema(kind)
	if err != nil {
		return nil, err
	}

	doc := payload.Clone()
	if _, ok := doc[schema.FieldID]; !ok {
		doc[schema.FieldID] = NewID()
	}
	c.stamp(s, doc)
	if err := s.Validate(doc); err != nil {
		return nil, err
	}

	id := doc.ID()
	if err := c.writable(id); err != nil {
		return nil, err
	}
	rev, err := c.backend.Put(ctx, id, "", doc)
	if err != nil {
		return nil, err
	}
	return &Record{ID: id, Rev: rev, Doc: doc}, nil
}

// Update replaces the document rec.ID at revision rec.Rev with rec.Doc,
// adding type and refreshing updatedAt. A stale revision fails with
// ErrConflict and is not retried.
func (c *Client) Update(ctx context.Context, kind string, rec *Record) (*Record, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	s, err := c.Schema(kind)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.ID == "" {
		return nil, fmt.Errorf("%w: update requires a document id", ErrIDMismatch)
	}
	if err := c.writable(rec.ID); err != nil {
		return nil, err
	}
	if rec.Rev == "" {
		return nil, fmt.Errorf("%w: update of %s requires a revision", ErrConflict, rec.ID)
	}

	doc := rec.Doc.Clone()
	if v, ok := doc[schema.FieldID]; ok {
		if id, isString := v.(string); !isString || id != rec.ID {
			return nil, fmt.Errorf("%w: %v != %s", ErrIDMismatch, v, rec.ID)
		}
	}
	doc[schema.FieldID] = rec.ID
	c.stamp(s, doc)
	if err := s.Validate(doc); err != nil {
		return nil, err
	}

	rev, err := c.backend.Put(ctx, rec.ID, rec.Rev, doc)
	if err != nil {
		return nil, err
	}
	return &Record{ID: rec.ID, Rev: rev, Doc: doc}, nil
}

// stamp sets the type and, for timestamped schemas, the timestamps of doc.
// createdAt is kept when already present.
func (c *Client) stamp(s *schema.Schema, doc schema.Document) {
	if _, ok := doc[schema.FieldType]; !ok {
		doc[schema.FieldType] = s.Name()
	}
	if !s.Timestamps() {
		return
	}
	now := float64(c.config.Now().UnixMilli())
	if _, ok := doc[schema.FieldCreatedAt]; !ok {
		doc[schema.FieldCreatedAt] = now
	}
	doc[schema.FieldUpdatedAt] = now
}

// Delete removes the document id at revision rev.
func (c *Client) Delete(ctx context.Context, id, rev string) error {
	if err := c.acquire(); err != nil {
		return err
	}
	defer c.release()

	if err := c.writable(id); err != nil {
		return err
	}
	return c.backend.Remove(ctx, id, rev)
}

// writable rejects document writes to the design artifact, which only
// EnsureIndexes manages.
func (c *Client) writable(id string) error {
	if id == c.config.DesignID {
		return fmt.Errorf("%w: %s", ErrReservedID, id)
	}
	return nil
}

// Referencing returns the ids of kind documents whose field references id.
func (c *Client) Referencing(ctx context.Context, kind, field, id string) ([]string, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	s, err := c.Schema(kind)
	if err != nil {
		return nil, err
	}
	def, ok := s.Field(field)
	if !ok || schema.Target(def) == "" {
		return nil, fmt.Errorf("%w: %s has no reference field %q", ErrUnknownIndex, kind, field)
	}
	return c.referencing(ctx, schema.IndexName(kind, field), id)
}

// Referrers returns, for every reference field targeting kind, the ids of
// the documents that reference id, keyed by index name.
func (c *Client) Referrers(ctx context.Context, kind, id string) (map[string][]string, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	defer c.release()

	out := make(map[string][]string)
	for _, ref := range c.registry.ReferencesTo(kind) {
		ids, err := c.referencing(ctx, ref.Index, id)
		if err != nil {
			return nil, err
		}
		out[ref.Index] = ids
	}
	return out, nil
}

// referencing queries index for key and returns distinct document ids.
// Rows arrive ordered by id, so duplicates from a RefList naming the same
// id twice are adjacent.
func (c *Client) referencing(ctx context.Context, index, key string) ([]string, error) {
	rows, err := c.backend.Query(ctx, index, key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if n := len(ids); n > 0 && ids[n-1] == row.ID {
			continue
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}
