package cache

import "context"

// KVStore is the durable ordered key-value backend the controller persists
// entries behind. Implementations (see internal/cache/kvstore) may be
// backed by SQLite, another embedded store, or nothing at all.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Iterate(ctx context.Context, fn func(key string, value []byte) error) error
	Clear(ctx context.Context) error
	Close() error
}

// noopStore is the graceful-degradation backend used when no durable
// store is configured or the configured one failed to open: every read
// misses, every write silently succeeds, and the cache behaves as if it
// were always empty.
type noopStore struct{}

// NewNoopStore returns a KVStore that discards everything written to it.
func NewNoopStore() KVStore { return noopStore{} }

func (noopStore) Get(ctx context.Context, key string) ([]byte, bool, error) { return nil, false, nil }
func (noopStore) Put(ctx context.Context, key string, value []byte) error  { return nil }
func (noopStore) Delete(ctx context.Context, key string) error             { return nil }
func (noopStore) Keys(ctx context.Context) ([]string, error)               { return nil, nil }
func (noopStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	return nil
}
func (noopStore) Clear(ctx context.Context) error { return nil }
func (noopStore) Close() error                    { return nil }
