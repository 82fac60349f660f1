package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/susamn/treecached/internal/pathutil"
)

// indexMeta mirrors the bookkeeping fields of a persisted Entry in memory,
// so eviction, freshness checks and stats don't require a decode round
// trip on every lookup.
type indexMeta struct {
	cachedAt   int64
	accessedAt int64
	mtime      *time.Time
	sizeBytes  int64
	seq        uint64
}

// Options configures a Controller's capacity and freshness policy.
type Options struct {
	MaxEntries int
	MaxAgeMs   int64
	FreshTTL   time.Duration
}

// Stats is a snapshot of cache-wide counters
type Stats struct {
	TotalEntries          int
	TotalSizeBytes         int64
	HitCount               int64
	MissCount              int64
	HitRate                float64
	BatchWrites            int64
	AverageLoadTimeMs      float64
	AverageBatchWriteTimeMs float64
	OldestEntryUnixMs      int64
	NewestEntryUnixMs      int64
}

// Size is the lighter-weight companion to Stats
type Size struct {
	TotalEntries      int
	EstimatedSizeBytes int64
	OldestEntryUnixMs int64
	NewestEntryUnixMs int64
}

// IntegrityReport is returned by ValidateCacheIntegrity.
type IntegrityReport struct {
	Scanned int
	Valid   int
	Repaired int
	Issues  []string
}

// CompactReport is returned by CompactCache.
type CompactReport struct {
	Scanned      int
	Removed      int
	BytesReclaimed int64
}

// ProgressFunc receives incremental progress during long-running
// maintenance operations: done so far, total expected (may be estimate).
type ProgressFunc func(done, total int)

// Controller is the Tree Cache Controller: it mediates every read and
// write of directory state against a durable KVStore, tracking freshness
// and enforcing a bounded entry count via LRU eviction
type Controller struct {
	store KVStore
	clock Clock
	opts  Options

	mu       sync.RWMutex
	index    map[string]*indexMeta
	inFlight map[string]struct{}
	seq      uint64

	statsMu     sync.Mutex
	hitCount    int64
	missCount   int64
	batchWrites int64
	loadTimeSum time.Duration
	loadTimeN   int64
	batchTimeSum time.Duration
	batchTimeN   int64
}

// NewController builds a Controller over store, rebuilding its in-memory
// index from whatever entries the store already holds (e.g. after a
// restart).
func NewController(ctx context.Context, store KVStore, clock Clock, opts Options) (*Controller, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = 30 * time.Second
	}
	c := &Controller{
		store:    store,
		clock:    clock,
		opts:     opts,
		index:    make(map[string]*indexMeta),
		inFlight: make(map[string]struct{}),
	}
	if err := c.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) rebuildIndex(ctx context.Context) error {
	return c.store.Iterate(ctx, func(key string, raw []byte) error {
		e, err := unmarshalEntry(key, raw)
		if err != nil {
			// Drop unreadable entries at startup rather than fail the whole rebuild.
			return nil
		}
		c.seq++
		c.index[key] = &indexMeta{
			cachedAt:   e.CachedAt,
			accessedAt: e.AccessedAt,
			mtime:      e.MTime,
			sizeBytes:  e.SizeEstimateBytes,
			seq:        c.seq,
		}
		return nil
	})
}

// GetCachedDirectory returns the full cached node for path, bumping its
// accessedAt, or (nil, false) on a miss, corruption, or storage outage.
func (c *Controller) GetCachedDirectory(ctx context.Context, path string) (*DirectoryNode, bool) {
	node, _, ok := c.getAndTouch(ctx, path)
	return node, ok
}

func (c *Controller) getAndTouch(ctx context.Context, path string) (*DirectoryNode, *Entry, bool) {
	start := time.Now()
	raw, found, err := c.store.Get(ctx, path)
	c.recordLoadTime(time.Since(start))
	if err != nil || !found {
		c.recordMiss()
		return nil, nil, false
	}
	e, err := unmarshalEntry(path, raw)
	if err != nil {
		c.recordMiss()
		// The entry is unreadable; drop it so it doesn't keep failing.
		_ = c.store.Delete(ctx, path)
		c.mu.Lock()
		delete(c.index, path)
		c.mu.Unlock()
		return nil, nil, false
	}

	now := c.clock.NowMillis()
	e.AccessedAt = now
	if raw2, merr := marshalEntry(e); merr == nil {
		_ = c.store.Put(ctx, path, raw2)
	}

	c.mu.Lock()
	if m, ok := c.index[path]; ok {
		m.accessedAt = now
	}
	c.mu.Unlock()

	c.recordHit()
	return decodeNode(e), e, true
}

// GetCachedDirectoryLazy returns at most maxChildren children of path; if
// the full entry has more, IsLoaded is forced false on the returned node
// to signal truncation regardless of the stored value.
func (c *Controller) GetCachedDirectoryLazy(ctx context.Context, path string, maxChildren int) (*DirectoryNode, bool) {
	node, _, ok := c.getAndTouch(ctx, path)
	if !ok {
		return nil, false
	}
	if maxChildren >= 0 && len(node.Children) > maxChildren {
		node.Children = node.Children[:maxChildren]
		node.IsLoaded = false
	}
	return node, true
}

// LoadMoreChildren returns the next batch of children for path starting
// at offset, with IsLoaded true on the returned slice marker only once
// the offset+batch reaches the end of the stored children.
func (c *Controller) LoadMoreChildren(ctx context.Context, path string, offset, batch int) ([]Child, bool, error) {
	raw, found, err := c.store.Get(ctx, path)
	if err != nil {
		return nil, false, &StorageUnavailableError{Op: "loadMoreChildren", Err: err}
	}
	if !found {
		return nil, false, nil
	}
	e, err := unmarshalEntry(path, raw)
	if err != nil {
		return nil, false, err
	}
	if offset >= len(e.Children) {
		return nil, true, nil
	}
	end := offset + batch
	if end > len(e.Children) {
		end = len(e.Children)
	}
	return e.Children[offset:end], end >= len(e.Children), nil
}

// SetCachedDirectory encodes node and persists it, setting cachedAt and
// accessedAt to now (accessedAt never moves backwards past a later
// recorded access) then applying eviction if the store is now over
// capacity.
func (c *Controller) SetCachedDirectory(ctx context.Context, node *DirectoryNode) error {
	now := c.clock.NowMillis()
	e, err := encodeNode(node, now, now)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if prev, ok := c.index[node.Path]; ok && prev.accessedAt > e.AccessedAt {
		e.AccessedAt = prev.accessedAt
	}
	c.inFlight[node.Path] = struct{}{}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, node.Path)
		c.mu.Unlock()
	}()

	raw, err := marshalEntry(e)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, node.Path, raw); err != nil {
		return &StorageUnavailableError{Op: "setCachedDirectory", Err: err}
	}

	c.mu.Lock()
	c.seq++
	c.index[node.Path] = &indexMeta{
		cachedAt:   e.CachedAt,
		accessedAt: e.AccessedAt,
		mtime:      e.MTime,
		sizeBytes:  e.SizeEstimateBytes,
		seq:        c.seq,
	}
	overCapacity := c.opts.MaxEntries > 0 && len(c.index) > c.opts.MaxEntries
	c.mu.Unlock()

	if overCapacity {
		_ = c.EvictLRUEntries(ctx, c.opts.MaxEntries)
	}
	return nil
}

// BatchSetDirectories writes every node, rolling back (deleting) any
// entries it managed to write if one of them fails to encode or persist.
func (c *Controller) BatchSetDirectories(ctx context.Context, nodes []*DirectoryNode) error {
	start := time.Now()
	written := make([]string, 0, len(nodes))
	var firstErr error
	for _, n := range nodes {
		if err := c.SetCachedDirectory(ctx, n); err != nil {
			firstErr = err
			break
		}
		written = append(written, n.Path)
	}
	if firstErr != nil {
		for _, p := range written {
			_ = c.InvalidateDirectory(ctx, p)
		}
		return firstErr
	}
	c.statsMu.Lock()
	c.batchWrites++
	c.batchTimeSum += time.Since(start)
	c.batchTimeN++
	c.statsMu.Unlock()
	return nil
}

// InvalidateDirectory removes a single path's entry.
func (c *Controller) InvalidateDirectory(ctx context.Context, path string) error {
	if err := c.store.Delete(ctx, path); err != nil {
		return &StorageUnavailableError{Op: "invalidateDirectory", Err: err}
	}
	c.mu.Lock()
	delete(c.index, path)
	c.mu.Unlock()
	return nil
}

// MarkDirectoryStale forces subsequent reads of path to miss until it is
// re-populated; implemented identically to InvalidateDirectory, kept as a
// distinct operation to match callers' intent
func (c *Controller) MarkDirectoryStale(ctx context.Context, path string) error {
	return c.InvalidateDirectory(ctx, path)
}

// InvalidateSubtree removes path and every entry nested beneath it.
func (c *Controller) InvalidateSubtree(ctx context.Context, path string) error {
	return c.InvalidateSubtreeWithProgress(ctx, path, nil)
}

// InvalidateSubtreeWithProgress is InvalidateSubtree with progress
// callbacks fired after each deletion.
func (c *Controller) InvalidateSubtreeWithProgress(ctx context.Context, path string, onProgress ProgressFunc) error {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return &StorageUnavailableError{Op: "invalidateSubtree", Err: err}
	}
	var matched []string
	for _, k := range keys {
		if pathutil.HasPrefixSegment(k, path) {
			matched = append(matched, k)
		}
	}
	for i, k := range matched {
		if err := c.InvalidateDirectory(ctx, k); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(i+1, len(matched))
		}
	}
	return nil
}

// IsDirectoryFresh reports whether path's entry exists and was cached
// within ttl (or the controller's default FreshTTL when ttl is nil).
func (c *Controller) IsDirectoryFresh(path string, ttl *time.Duration) bool {
	window := c.opts.FreshTTL
	if ttl != nil {
		window = *ttl
	}
	c.mu.RLock()
	m, ok := c.index[path]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	age := c.clock.NowMillis() - m.cachedAt
	return age >= 0 && time.Duration(age)*time.Millisecond <= window
}

// MergeDirectoryUpdate refreshes cachedAt to now while never regressing
// accessedAt, used when an adapter reports a directory's contents changed
// but a reader had already touched the stale entry more recently.
func (c *Controller) MergeDirectoryUpdate(ctx context.Context, node *DirectoryNode) error {
	now := c.clock.NowMillis()
	e, err := encodeNode(node, now, now)
	if err != nil {
		return err
	}
	c.mu.RLock()
	prev, ok := c.index[node.Path]
	c.mu.RUnlock()
	if ok && prev.accessedAt > e.AccessedAt {
		e.AccessedAt = prev.accessedAt
	}
	raw, err := marshalEntry(e)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, node.Path, raw); err != nil {
		return &StorageUnavailableError{Op: "mergeDirectoryUpdate", Err: err}
	}
	c.mu.Lock()
	c.seq++
	c.index[node.Path] = &indexMeta{cachedAt: e.CachedAt, accessedAt: e.AccessedAt, mtime: e.MTime, sizeBytes: e.SizeEstimateBytes, seq: c.seq}
	c.mu.Unlock()
	return nil
}

// PerformIncrementalUpdate merges a freshly-observed node and stamps its
// filesystem mtime, used by the prefetch scheduler's cache-miss and
// incremental-update paths.
func (c *Controller) PerformIncrementalUpdate(ctx context.Context, node *DirectoryNode, mtime *time.Time) error {
	node.MTime = mtime
	return c.MergeDirectoryUpdate(ctx, node)
}

// IncrementalUpdate pairs a node with its observed filesystem mtime for
// batch re-validation.
type IncrementalUpdate struct {
	Node  *DirectoryNode
	MTime *time.Time
}

// PerformBatchIncrementalUpdate applies a set of incremental updates,
// continuing past individual failures and returning the first error.
func (c *Controller) PerformBatchIncrementalUpdate(ctx context.Context, updates []IncrementalUpdate) error {
	var firstErr error
	for _, u := range updates {
		if err := c.PerformIncrementalUpdate(ctx, u.Node, u.MTime); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// GetDirectoriesNeedingUpdate compares observed mtimes against what the
// cache last recorded, returning paths whose mtime is new or changed.
func (c *Controller) GetDirectoriesNeedingUpdate(observed map[string]time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stale []string
	for path, mtime := range observed {
		m, ok := c.index[path]
		if !ok || m.mtime == nil || !m.mtime.Equal(mtime) {
			stale = append(stale, path)
		}
	}
	return stale
}

// ClearCache removes every entry.
func (c *Controller) ClearCache(ctx context.Context) error {
	return c.ClearCacheWithProgress(ctx, nil)
}

// ClearCacheWithProgress is ClearCache with a final progress callback.
func (c *Controller) ClearCacheWithProgress(ctx context.Context, onProgress ProgressFunc) error {
	c.mu.RLock()
	total := len(c.index)
	c.mu.RUnlock()
	if err := c.store.Clear(ctx); err != nil {
		return &StorageUnavailableError{Op: "clearCache", Err: err}
	}
	c.mu.Lock()
	c.index = make(map[string]*indexMeta)
	c.mu.Unlock()
	if onProgress != nil {
		onProgress(total, total)
	}
	return nil
}

// GetCacheStats returns accumulated hit/miss/timing counters plus the
// current entry count and size
func (c *Controller) GetCacheStats() Stats {
	c.mu.RLock()
	total := len(c.index)
	var size, oldest, newest int64
	first := true
	for _, m := range c.index {
		size += m.sizeBytes
		if first || m.cachedAt < oldest {
			oldest = m.cachedAt
		}
		if first || m.cachedAt > newest {
			newest = m.cachedAt
		}
		first = false
	}
	c.mu.RUnlock()

	c.statsMu.Lock()
	hit, miss, batches := c.hitCount, c.missCount, c.batchWrites
	var avgLoad, avgBatch float64
	if c.loadTimeN > 0 {
		avgLoad = float64(c.loadTimeSum.Milliseconds()) / float64(c.loadTimeN)
	}
	if c.batchTimeN > 0 {
		avgBatch = float64(c.batchTimeSum.Milliseconds()) / float64(c.batchTimeN)
	}
	c.statsMu.Unlock()

	var hitRate float64
	if hit+miss > 0 {
		hitRate = float64(hit) / float64(hit+miss)
	}

	return Stats{
		TotalEntries:            total,
		TotalSizeBytes:          size,
		HitCount:                hit,
		MissCount:               miss,
		HitRate:                 hitRate,
		BatchWrites:             batches,
		AverageLoadTimeMs:       avgLoad,
		AverageBatchWriteTimeMs: avgBatch,
		OldestEntryUnixMs:       oldest,
		NewestEntryUnixMs:       newest,
	}
}

// GetCacheSize is the lighter-weight companion to GetCacheStats.
func (c *Controller) GetCacheSize() Size {
	s := c.GetCacheStats()
	return Size{
		TotalEntries:       s.TotalEntries,
		EstimatedSizeBytes: s.TotalSizeBytes,
		OldestEntryUnixMs:  s.OldestEntryUnixMs,
		NewestEntryUnixMs:  s.NewestEntryUnixMs,
	}
}

// EvictLRUEntries deletes the least-recently-accessed entries until the
// index holds at most maxEntries, skipping anything currently mid-write.
func (c *Controller) EvictLRUEntries(ctx context.Context, maxEntries int) error {
	c.mu.RLock()
	if len(c.index) <= maxEntries {
		c.mu.RUnlock()
		return nil
	}
	type cand struct {
		path       string
		accessedAt int64
		seq        uint64
	}
	cands := make([]cand, 0, len(c.index))
	for p, m := range c.index {
		if _, busy := c.inFlight[p]; busy {
			continue
		}
		cands = append(cands, cand{p, m.accessedAt, m.seq})
	}
	over := len(c.index) - maxEntries
	c.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].accessedAt != cands[j].accessedAt {
			return cands[i].accessedAt < cands[j].accessedAt
		}
		return cands[i].seq < cands[j].seq
	})

	for i := 0; i < over && i < len(cands); i++ {
		if err := c.InvalidateDirectory(ctx, cands[i].path); err != nil {
			return err
		}
	}
	return nil
}

// CleanupOldEntries removes entries whose cachedAt is older than maxAgeMs
// (the controller's configured default when maxAgeMs is nil).
func (c *Controller) CleanupOldEntries(ctx context.Context, maxAgeMs *int64, onProgress ProgressFunc) error {
	limit := c.opts.MaxAgeMs
	if maxAgeMs != nil {
		limit = *maxAgeMs
	}
	now := c.clock.NowMillis()

	c.mu.RLock()
	var stale []string
	for p, m := range c.index {
		if now-m.cachedAt > limit {
			stale = append(stale, p)
		}
	}
	c.mu.RUnlock()

	for i, p := range stale {
		if err := c.InvalidateDirectory(ctx, p); err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(i+1, len(stale))
		}
	}
	return nil
}

// ValidateCacheIntegrity decodes every stored entry, deleting and
// reporting any that fail to decode.
func (c *Controller) ValidateCacheIntegrity(ctx context.Context, onProgress ProgressFunc) (*IntegrityReport, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, &StorageUnavailableError{Op: "validateCacheIntegrity", Err: err}
	}
	report := &IntegrityReport{Scanned: len(keys)}
	for i, k := range keys {
		raw, found, err := c.store.Get(ctx, k)
		if err != nil || !found {
			report.Issues = append(report.Issues, "missing: "+k)
			if onProgress != nil {
				onProgress(i+1, len(keys))
			}
			continue
		}
		if _, err := unmarshalEntry(k, raw); err != nil {
			report.Issues = append(report.Issues, err.Error())
			_ = c.InvalidateDirectory(ctx, k)
			report.Repaired++
		} else {
			report.Valid++
		}
		if onProgress != nil {
			onProgress(i+1, len(keys))
		}
	}
	return report, nil
}

// CompactCache removes entries that convey no information beyond their
// parent's stub (unloaded directories with no cached children) and true
// orphans whose parent has no entry of its own.
func (c *Controller) CompactCache(ctx context.Context, onProgress ProgressFunc) (*CompactReport, error) {
	keys, err := c.store.Keys(ctx)
	if err != nil {
		return nil, &StorageUnavailableError{Op: "compactCache", Err: err}
	}
	present := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		present[k] = struct{}{}
	}

	report := &CompactReport{Scanned: len(keys)}
	for i, k := range keys {
		raw, found, err := c.store.Get(ctx, k)
		if err != nil || !found {
			continue
		}
		e, err := unmarshalEntry(k, raw)
		if err != nil {
			continue
		}
		_, parentPresent := present[e.ParentPath]
		isOrphan := k != "" && !parentPresent
		isEmptyStub := !e.IsLoaded && len(e.Children) == 0
		if isOrphan || isEmptyStub {
			if err := c.InvalidateDirectory(ctx, k); err == nil {
				report.Removed++
				report.BytesReclaimed += e.SizeEstimateBytes
			}
		}
		if onProgress != nil {
			onProgress(i+1, len(keys))
		}
	}
	return report, nil
}

func (c *Controller) recordHit() {
	c.statsMu.Lock()
	c.hitCount++
	c.statsMu.Unlock()
}

func (c *Controller) recordMiss() {
	c.statsMu.Lock()
	c.missCount++
	c.statsMu.Unlock()
}

func (c *Controller) recordLoadTime(d time.Duration) {
	c.statsMu.Lock()
	c.loadTimeSum += d
	c.loadTimeN++
	c.statsMu.Unlock()
}
