package kvstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	store, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.Put(ctx, "r/a", []byte("hello")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// The root entry lives under the empty-string key, alongside everything
	// else, rather than in a separate table.
	if err := store.Put(ctx, "", []byte("root")); err != nil {
		t.Fatalf("Put root: %v", err)
	}

	v, ok, err := store.Get(ctx, "r/a")
	if err != nil || !ok {
		t.Fatalf("Get: %v, ok=%v", err, ok)
	}
	if string(v) != "hello" {
		t.Fatalf("unexpected value %q", v)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(keys), keys)
	}

	if err := store.Delete(ctx, "r/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "r/a"); ok {
		t.Fatalf("expected miss after delete")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	keys, _ = store.Keys(ctx)
	if len(keys) != 0 {
		t.Fatalf("expected no keys after Clear, got %v", keys)
	}
}

func TestSQLiteStoreReopenPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	store, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put(ctx, "p", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	v, ok, err := reopened.Get(ctx, "p")
	if err != nil || !ok {
		t.Fatalf("expected persisted entry to survive reopen: err=%v ok=%v", err, ok)
	}
	if string(v) != "v" {
		t.Fatalf("unexpected value after reopen: %q", v)
	}
}
