package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/sqlite"
	"github.com/jacentio/lattice/store"
)

var ownerIndex = schema.Indexes{
	"Pet_by_owner": {Name: "Pet_by_owner", Kind: "Pet", Field: "owner", Emit: schema.EmitOne},
	"Pet_by_toys":  {Name: "Pet_by_toys", Kind: "Pet", Field: "toys", Emit: schema.EmitEach},
}

func openTestBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "lattice.db")
	b, err := sqlite.Open(context.Background(), path, sqlite.DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func installDesign(t *testing.T, b *sqlite.Backend, indexes schema.Indexes) {
	t.Helper()
	if _, err := b.Put(context.Background(), store.DefaultDesignID, "", store.DesignDocument(indexes)); err != nil {
		t.Fatalf("install design failed: %v", err)
	}
}

func pet(id, owner string, toys ...string) schema.Document {
	list := make([]any, len(toys))
	for i, toy := range toys {
		list[i] = toy
	}
	return schema.Document{"id": id, "type": "Pet", "owner": owner, "toys": list}
}

func TestBackend_PutGet(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	rev, err := b.Put(ctx, "p1", "", pet("p1", "o1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if store.RevisionGeneration(rev) != 1 {
		t.Errorf("expected generation 1, got %q", rev)
	}

	rec, err := b.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.ID != "p1" || rec.Rev != rev {
		t.Errorf("unexpected record %s@%s", rec.ID, rec.Rev)
	}
	if rec.Doc["owner"] != "o1" {
		t.Errorf("expected owner o1, got %v", rec.Doc["owner"])
	}
}

func TestBackend_GetMissing(t *testing.T) {
	b := openTestBackend(t)

	_, err := b.Get(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestBackend_PutConflicts(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	rev, err := b.Put(ctx, "p1", "", pet("p1", "o1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	tests := []struct {
		name string
		id   string
		rev  string
	}{
		{"create existing", "p1", ""},
		{"stale revision", "p1", "1-deadbeef"},
		{"revision for missing document", "p2", rev},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Put(ctx, tt.id, tt.rev, pet(tt.id, "o2"))
			if !errors.Is(err, store.ErrConflict) {
				t.Errorf("expected ErrConflict, got %v", err)
			}
		})
	}

	next, err := b.Put(ctx, "p1", rev, pet("p1", "o2"))
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if store.RevisionGeneration(next) != 2 {
		t.Errorf("expected generation 2, got %q", next)
	}
}

func TestBackend_Post(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	id, rev, err := b.Post(ctx, schema.Document{"type": "Pet"})
	if err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if id == "" || rev == "" {
		t.Fatalf("expected id and rev, got %q %q", id, rev)
	}
	if _, err := b.Get(ctx, id); err != nil {
		t.Errorf("Get after Post failed: %v", err)
	}
}

func TestBackend_Remove(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	installDesign(t, b, ownerIndex)

	rev, err := b.Put(ctx, "p1", "", pet("p1", "o1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := b.Remove(ctx, "p1", "1-stale"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := b.Remove(ctx, "p1", rev); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := b.Remove(ctx, "p1", rev); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	rows, err := b.Query(ctx, "Pet_by_owner", "o1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected removed document's entries to be gone, got %v", rows)
	}
}

func TestBackend_BulkGet(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	for _, id := range []string{"a", "c"} {
		if _, err := b.Put(ctx, id, "", pet(id, "o1")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	recs, err := b.BulkGet(ctx, []string{"c", "b", "a"})
	if err != nil {
		t.Fatalf("BulkGet failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recs))
	}
	if recs[0] == nil || recs[0].ID != "c" {
		t.Errorf("expected c first, got %+v", recs[0])
	}
	if recs[1] != nil {
		t.Errorf("expected nil entry for missing id, got %+v", recs[1])
	}
	if recs[2] == nil || recs[2].ID != "a" {
		t.Errorf("expected a last, got %+v", recs[2])
	}
}

func TestBackend_QueryUnknownIndex(t *testing.T) {
	b := openTestBackend(t)

	_, err := b.Query(context.Background(), "Pet_by_owner", "")
	if !errors.Is(err, store.ErrUnknownIndex) {
		t.Errorf("expected ErrUnknownIndex, got %v", err)
	}
}

func TestBackend_QueryEntries(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()
	installDesign(t, b, ownerIndex)

	docs := []schema.Document{
		pet("p2", "o1", "ball", "rope"),
		pet("p1", "o1", "ball"),
		pet("p3", "o2"),
		{"id": "x1", "type": "Toy", "owner": "o1"},
	}
	for _, doc := range docs {
		if _, err := b.Put(ctx, doc.ID(), "", doc); err != nil {
			t.Fatalf("Put %s failed: %v", doc.ID(), err)
		}
	}

	rows, err := b.Query(ctx, "Pet_by_owner", "o1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "p1" || rows[1].ID != "p2" {
		t.Errorf("expected [p1 p2] ordered by id, got %v", rows)
	}

	rows, err = b.Query(ctx, "Pet_by_toys", "rope")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "p2" || rows[0].Key != "rope" {
		t.Errorf("expected [p2/rope], got %v", rows)
	}

	rows, err = b.Query(ctx, "Pet_by_owner", "")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows for empty key, got %v", rows)
	}
}

func TestBackend_CompactRebuildsEntries(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	if _, err := b.Put(ctx, "p1", "", pet("p1", "o1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Documents written before the design artifact have no entries until
	// the indexes are rebuilt.
	installDesign(t, b, ownerIndex)
	rows, err := b.Query(ctx, "Pet_by_owner", "o1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no entries before Compact, got %v", rows)
	}

	if err := b.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	rows, err = b.Query(ctx, "Pet_by_owner", "o1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "p1" {
		t.Errorf("expected [p1] after Compact, got %v", rows)
	}
}

func TestBackend_BuiltTracksCompact(t *testing.T) {
	b := openTestBackend(t)
	ctx := context.Background()

	built, err := b.Built(ctx)
	if err != nil {
		t.Fatalf("Built failed: %v", err)
	}
	if built != "" {
		t.Errorf("expected no build before Compact, got %q", built)
	}

	installDesign(t, b, ownerIndex)
	design, err := b.Get(ctx, store.DefaultDesignID)
	if err != nil {
		t.Fatalf("Get design failed: %v", err)
	}
	if built, _ := b.Built(ctx); built == design.Rev {
		t.Error("expected design write alone not to count as built")
	}

	if err := b.Compact(ctx); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	built, err = b.Built(ctx)
	if err != nil {
		t.Fatalf("Built failed: %v", err)
	}
	if built != design.Rev {
		t.Errorf("expected built %q, got %q", design.Rev, built)
	}

	// Replacing the artifact leaves the recorded build behind.
	rev, err := b.Put(ctx, store.DefaultDesignID, design.Rev, store.DesignDocument(schema.Indexes{}))
	if err != nil {
		t.Fatalf("replace design failed: %v", err)
	}
	if built, _ := b.Built(ctx); built == rev {
		t.Error("expected replaced artifact to be unbuilt")
	}
}

func TestBackend_CompactCancelledKeepsPreviousBuild(t *testing.T) {
	b := openTestBackend(t)
	installDesign(t, b, ownerIndex)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Compact(ctx); err == nil {
		t.Fatal("expected Compact with a cancelled context to fail")
	}
	if built, _ := b.Built(context.Background()); built != "" {
		t.Errorf("expected no recorded build, got %q", built)
	}
}

func TestBackend_SeesDesignReplacedElsewhere(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.db")
	ctx := context.Background()

	first, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer first.Close()
	second, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer second.Close()

	if _, err := first.Query(ctx, "Pet_by_owner", "o1"); !errors.Is(err, store.ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex before install, got %v", err)
	}

	installDesign(t, second, ownerIndex)

	if _, err := first.Put(ctx, "p1", "", pet("p1", "o1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	rows, err := first.Query(ctx, "Pet_by_owner", "o1")
	if err != nil {
		t.Fatalf("expected index installed by another backend, got %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "p1" {
		t.Errorf("expected entries under the new design, got %v", rows)
	}
}

func TestBackend_ReopenLoadsDesign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lattice.db")
	ctx := context.Background()

	b, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	installDesign(t, b, ownerIndex)
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err = sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer b.Close()

	if _, err := b.Query(ctx, "Pet_by_toys", "ball"); err != nil {
		t.Errorf("expected installed index after reopen, got %v", err)
	}
}

func TestOpener(t *testing.T) {
	open := sqlite.Opener(sqlite.Config{})
	backend, err := open(context.Background(), filepath.Join(t.TempDir(), "lattice.db"))
	if err != nil {
		t.Fatalf("Opener failed: %v", err)
	}
	defer backend.Close()

	if _, ok := backend.(*sqlite.Backend); !ok {
		t.Errorf("expected *sqlite.Backend, got %T", backend)
	}
}
