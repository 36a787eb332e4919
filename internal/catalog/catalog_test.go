package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"document-rag-server/internal/models"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func doc(id, owner, file string, at time.Time) models.Document {
	return models.Document{ID: id, Owner: owner, FileName: file, Strategy: "hashing", Characters: 10, CreatedAt: at}
}

func TestHasOwner(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	if err := c.Upsert(ctx, "documents_hashing", doc("d1", "u1", "a.pdf", time.Now())); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		collection, owner string
		want              bool
	}{
		{"documents_hashing", "u1", true},
		{"documents_hashing", "u2", false},
		{"documents_openai", "u1", false},
	}
	for _, tt := range tests {
		got, err := c.HasOwner(ctx, tt.collection, tt.owner)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("HasOwner(%s, %s) = %v", tt.collection, tt.owner, got)
		}
	}
}

func TestUpsertAndList(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := c.Upsert(ctx, "documents_hashing", doc("d1", "u1", "a.pdf", base)); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(ctx, "documents_hashing", doc("d2", "u1", "b.pdf", base.Add(time.Minute))); err != nil {
		t.Fatal(err)
	}
	again := doc("d1", "u1", "a.pdf", base.Add(time.Hour))
	again.Characters = 99
	if err := c.Upsert(ctx, "documents_hashing", again); err != nil {
		t.Fatal(err)
	}

	docs, err := c.List(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("docs = %+v", docs)
	}
	if docs[0].ID != "d1" || docs[0].Characters != 99 || !docs[0].CreatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("first = %+v", docs[0])
	}

	empty, err := c.List(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty = %v, %v", empty, err)
	}
}

func TestCollectionListAndDelete(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, row := range []struct {
		collection string
		d          models.Document
	}{
		{"documents_hashing", doc("d2", "u2", "b.pdf", base.Add(time.Minute))},
		{"documents_hashing", doc("d1", "u1", "a.pdf", base)},
		{"documents_openai", doc("d3", "u1", "a.pdf", base)},
	} {
		if err := c.Upsert(ctx, row.collection, row.d); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := c.InCollection(ctx, "documents_hashing")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 || docs[0].ID != "d1" || docs[1].ID != "d2" {
		t.Fatalf("docs = %+v", docs)
	}

	n, err := c.DeleteCollection(ctx, "documents_hashing")
	if err != nil || n != 2 {
		t.Fatalf("deleted = %d, %v", n, err)
	}
	if ok, _ := c.HasOwner(ctx, "documents_hashing", "u1"); ok {
		t.Fatal("documents_hashing still has u1")
	}
	if ok, _ := c.HasOwner(ctx, "documents_openai", "u1"); !ok {
		t.Fatal("other collection was touched")
	}
}

func TestEnsurePragmas(t *testing.T) {
	if got := EnsurePragmas(":memory:", true, 100); got != ":memory:" {
		t.Fatalf("got %q", got)
	}
	got := EnsurePragmas("file:/tmp/x.db", true, 5000)
	want := "file:/tmp/x.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if again := EnsurePragmas(got, true, 5000); again != got {
		t.Fatalf("not idempotent: %q", again)
	}
}
