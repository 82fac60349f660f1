package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is a minimal in-memory KVStore used to exercise the
// controller's logic without a real database.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, fmt.Errorf("simulated failure")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("simulated failure")
	}
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("simulated failure")
	}
	delete(m.data, key)
	return nil
}

func (m *memStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, fmt.Errorf("simulated failure")
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *memStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	m.mu.Lock()
	snapshot := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.mu.Unlock()
	for k, v := range snapshot {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	return nil
}

func (m *memStore) Close() error { return nil }

// fakeClock lets tests control cachedAt/accessedAt deterministically.
type fakeClock struct{ now int64 }

func (f *fakeClock) NowMillis() int64 { return f.now }

func newController(t *testing.T, opts Options) (*Controller, *fakeClock, *memStore) {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{now: 1000}
	c, err := NewController(context.Background(), store, clock, opts)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, clock, store
}

func node(path, parent string, depth int) *DirectoryNode {
	return &DirectoryNode{Path: path, ParentPath: parent, Depth: depth, Name: path, IsLoaded: true}
}

func TestSetAndGetCachedDirectory(t *testing.T) {
	c, _, _ := newController(t, Options{MaxEntries: 10})
	ctx := context.Background()

	n := node("r", "", 0)
	if err := c.SetCachedDirectory(ctx, n); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.GetCachedDirectory(ctx, "r")
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.Path != "r" {
		t.Fatalf("unexpected path %q", got.Path)
	}
}

func TestFreshnessMonotonicity(t *testing.T) {
	c, clock, _ := newController(t, Options{MaxEntries: 10})
	ctx := context.Background()
	n := node("r", "", 0)

	clock.now = 100
	if err := c.SetCachedDirectory(ctx, n); err != nil {
		t.Fatal(err)
	}
	first := c.index["r"].cachedAt

	clock.now = 200
	if err := c.SetCachedDirectory(ctx, n); err != nil {
		t.Fatal(err)
	}
	second := c.index["r"].cachedAt

	if second < first {
		t.Fatalf("cachedAt regressed: %d -> %d", first, second)
	}
}

func TestStalenessSemantics(t *testing.T) {
	c, _, _ := newController(t, Options{MaxEntries: 10})
	ctx := context.Background()

	_ = c.SetCachedDirectory(ctx, node("r", "", 0))
	_ = c.SetCachedDirectory(ctx, node("other", "", 0))

	if err := c.MarkDirectoryStale(ctx, "r"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetCachedDirectory(ctx, "r"); ok {
		t.Fatalf("expected absent after markDirectoryStale")
	}
	if _, ok := c.GetCachedDirectory(ctx, "other"); !ok {
		t.Fatalf("unrelated path should be unaffected")
	}

	_ = c.SetCachedDirectory(ctx, node("r", "", 0))
	if _, ok := c.GetCachedDirectory(ctx, "r"); !ok {
		t.Fatalf("expected present after re-put")
	}
}

func TestSubtreeInvalidationContainment(t *testing.T) {
	c, _, _ := newController(t, Options{MaxEntries: 100})
	ctx := context.Background()

	for _, n := range []*DirectoryNode{
		node("r", "", 0), node("r/a", "r", 1), node("r/a/b", "r/a", 2), node("r/ab", "r", 1), node("other", "", 0),
	} {
		_ = c.SetCachedDirectory(ctx, n)
	}

	if err := c.InvalidateSubtree(ctx, "r/a"); err != nil {
		t.Fatal(err)
	}

	shouldBeAbsent := []string{"r/a", "r/a/b"}
	for _, p := range shouldBeAbsent {
		if _, ok := c.GetCachedDirectory(ctx, p); ok {
			t.Fatalf("expected %q to be invalidated", p)
		}
	}
	shouldRemain := []string{"r", "r/ab", "other"}
	for _, p := range shouldRemain {
		if _, ok := c.GetCachedDirectory(ctx, p); !ok {
			t.Fatalf("expected %q to remain cached", p)
		}
	}
}

func TestLRUBound(t *testing.T) {
	// Eviction runs synchronously whenever a write pushes the index over
	// capacity, so inserting a 4th entry evicts the single
	// least-recently-accessed one immediately (A, never touched).
	c, clock, _ := newController(t, Options{MaxEntries: 3})
	ctx := context.Background()

	for i, p := range []string{"A", "B", "C", "D"} {
		clock.now = int64(1000 + i)
		if err := c.SetCachedDirectory(ctx, node(p, "", 0)); err != nil {
			t.Fatal(err)
		}
	}

	c.mu.RLock()
	count := len(c.index)
	_, hasA := c.index["A"]
	_, hasB := c.index["B"]
	c.mu.RUnlock()
	if count > 3 {
		t.Fatalf("expected at most 3 entries, got %d", count)
	}
	if hasA {
		t.Fatalf("expected A (oldest, untouched) to have been evicted")
	}
	if !hasB {
		t.Fatalf("expected B to still be cached")
	}

	// Touch B so its accessedAt becomes the most recent, then push E in:
	// the next-oldest untouched entry (C) should be evicted instead of B.
	clock.now = 2000
	c.GetCachedDirectory(ctx, "B")
	clock.now = 2001
	if err := c.SetCachedDirectory(ctx, node("E", "", 0)); err != nil {
		t.Fatal(err)
	}

	c.mu.RLock()
	count = len(c.index)
	_, hasB = c.index["B"]
	_, hasC := c.index["C"]
	_, hasE := c.index["E"]
	c.mu.RUnlock()

	if count > 3 {
		t.Fatalf("expected at most 3 entries, got %d", count)
	}
	if !hasB {
		t.Fatalf("expected B to survive eviction after being touched")
	}
	if hasC {
		t.Fatalf("expected C (now oldest untouched) to have been evicted")
	}
	if !hasE {
		t.Fatalf("expected newly written E to survive")
	}
}

func TestMergeDirectoryUpdateParentChildConsistency(t *testing.T) {
	c, _, _ := newController(t, Options{MaxEntries: 10})
	ctx := context.Background()

	n := &DirectoryNode{
		Path: "r", Name: "r", Depth: 0, IsLoaded: true,
		Children: []Child{
			{Kind: ChildFile, Name: "f", Path: "r/f", Depth: 1, ParentPath: "r"},
		},
	}
	if err := c.MergeDirectoryUpdate(ctx, n); err != nil {
		t.Fatal(err)
	}
	got, ok := c.GetCachedDirectory(ctx, "r")
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	for _, child := range got.Children {
		if child.ParentPath != "r" || child.Depth != 1 {
			t.Fatalf("child consistency violated: %+v", child)
		}
	}
}

func TestGracefulDegradationOnStorageFailure(t *testing.T) {
	store := newMemStore()
	store.fail = true
	clock := &fakeClock{now: 1}
	c, err := NewController(context.Background(), store, clock, Options{MaxEntries: 10})
	if err != nil {
		t.Fatalf("NewController should tolerate a failing store at startup: %v", err)
	}
	ctx := context.Background()

	if _, ok := c.GetCachedDirectory(ctx, "r"); ok {
		t.Fatalf("expected miss when storage is unavailable")
	}
	if err := c.SetCachedDirectory(ctx, node("r", "", 0)); err == nil {
		t.Fatalf("expected an error surfaced from the failing store")
	} else if _, ok := err.(*StorageUnavailableError); !ok {
		t.Fatalf("expected *StorageUnavailableError, got %T", err)
	}
}

func TestProgressCompletion(t *testing.T) {
	c, _, _ := newController(t, Options{MaxEntries: 100})
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		_ = c.SetCachedDirectory(ctx, node(p, "", 0))
	}

	var lastDone, lastTotal int
	if err := c.ClearCacheWithProgress(ctx, func(done, total int) {
		lastDone, lastTotal = done, total
	}); err != nil {
		t.Fatal(err)
	}
	if lastDone != lastTotal {
		t.Fatalf("expected final progress done == total, got %d/%d", lastDone, lastTotal)
	}
}

func TestIsDirectoryFreshRespectsCustomTTL(t *testing.T) {
	c, clock, _ := newController(t, Options{MaxEntries: 10, FreshTTL: 5 * time.Second})
	ctx := context.Background()
	clock.now = 0
	_ = c.SetCachedDirectory(ctx, node("r", "", 0))

	clock.now = 1000 // 1s later, within the default 5s window
	if !c.IsDirectoryFresh("r", nil) {
		t.Fatalf("expected fresh within default TTL")
	}

	tight := 500 * time.Millisecond
	if c.IsDirectoryFresh("r", &tight) {
		t.Fatalf("expected caller-supplied TTL to override and reject as stale")
	}
}
