// Package prefetch implements the cached prefetch queue: a two-phase
// bounded worker pool that walks a seeded directory tree, classifying
// every discovered directory as primary (visible, cached in full) or
// deferred (a reserved/noise directory such as node_modules, stubbed
// only), while also exposing a cache-first on-demand read path that
// returns cached data immediately and revalidates in the background.
package prefetch

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/susamn/treecached/internal/cache"
	"github.com/susamn/treecached/internal/logger"
)

// Phase names the scheduler's current state machine position.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePrimary  Phase = "primary"
	PhaseDeferred Phase = "deferred"
	PhaseDraining Phase = "draining"
	PhaseDisposed Phase = "disposed"
)

// deferredSegments names the path segments that mark a directory (and
// everything beneath it) as deferred: never committed to the live tree,
// only reported as stub metadata.
var deferredSegments = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	".hg":          {},
	".svn":         {},
	".vite":        {},
	"dist":         {},
	"build":        {},
	".cache":       {},
}

// isDeferredPath reports whether any segment of path names a reserved
// directory.
func isDeferredPath(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if _, ok := deferredSegments[seg]; ok {
			return true
		}
	}
	return false
}

// ResultHandler receives the outcome of every directory load the
// scheduler performs, in the order loads complete (not the order they
// were enqueued).
type ResultHandler interface {
	OnDirectoryLoaded(node *cache.DirectoryNode, sourceToken uint64)
	OnDeferredMetadata(meta cache.DeferredDirMetadata)
	OnStatus(status cache.PrefetchStatus)
	OnError(path string, sourceToken uint64, err error)
}

// Options configures the scheduler's depth ceiling, budget, and
// cooperative-scheduling constants.
type Options struct {
	MaxPrefetchDepth     int
	MaxPrefetchedDirs    int // 0 = unbounded
	StatusSampleInterval int
	BatchSize            int
}

// pendingResult is a primary-phase load awaiting the end-of-phase flush.
type pendingResult struct {
	node  *cache.DirectoryNode
	token uint64
}

// pathQueue is a FIFO that deduplicates by path: re-pushing a path
// already queued updates its target in place without moving it in line.
type pathQueue struct {
	order []string
	items map[string]cache.PrefetchTarget
}

func newPathQueue() *pathQueue {
	return &pathQueue{items: make(map[string]cache.PrefetchTarget)}
}

func (q *pathQueue) push(t cache.PrefetchTarget) {
	if _, exists := q.items[t.Path]; exists {
		q.items[t.Path] = t
		return
	}
	q.items[t.Path] = t
	q.order = append(q.order, t.Path)
}

func (q *pathQueue) pop() (cache.PrefetchTarget, bool) {
	for len(q.order) > 0 {
		p := q.order[0]
		q.order = q.order[1:]
		if t, ok := q.items[p]; ok {
			delete(q.items, p)
			return t, true
		}
	}
	return cache.PrefetchTarget{}, false
}

func (q *pathQueue) remove(path string) {
	delete(q.items, path)
}

func (q *pathQueue) len() int {
	return len(q.items)
}

// Scheduler is the Cached Prefetch Queue: a bounded worker pool that
// walks a seeded tree across a primary queue (visible directories) and
// a deferred queue (reserved/noise directories, stubbed only), plus a
// cache-first on-demand read path sharing the worker pool's adapter and
// controller.
type Scheduler struct {
	controller *cache.Controller
	adapter    DirectoryAdapter
	handler    ResultHandler
	workers    int

	maxPrefetchDepth     int
	maxPrefetchedDirs    int
	statusSampleInterval int
	batchSize            int

	mu             sync.Mutex
	phase          Phase
	sourceToken    uint64
	primaryQueue   *pathQueue
	deferredQueue  *pathQueue
	loadedDirPaths map[string]struct{}
	pendingResults []pendingResult
	activePrimary  int
	activeDeferred int
	disposed       bool
	lastSource     string

	processedCount  int64
	totalDurationMs int64
	lastDurationMs  int64
	completed       int64
	failed          int64

	wakeCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New builds a Scheduler and immediately starts its worker pool; the
// pool runs until Dispose is called.
func New(controller *cache.Controller, adapter DirectoryAdapter, handler ResultHandler, workers int, opts Options) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	maxDepth := opts.MaxPrefetchDepth
	if maxDepth <= 0 {
		maxDepth = 6
	}
	sampleInterval := opts.StatusSampleInterval
	if sampleInterval <= 0 {
		sampleInterval = 50
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 8
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		controller:           controller,
		adapter:              adapter,
		handler:              handler,
		workers:              workers,
		maxPrefetchDepth:     maxDepth,
		maxPrefetchedDirs:    opts.MaxPrefetchedDirs,
		statusSampleInterval: sampleInterval,
		batchSize:            batchSize,
		phase:                PhaseIdle,
		primaryQueue:         newPathQueue(),
		deferredQueue:        newPathQueue(),
		loadedDirPaths:       make(map[string]struct{}),
		wakeCh:               make(chan struct{}, 1),
		runCtx:               runCtx,
		runCancel:            cancel,
	}
	for i := 0; i < workers; i++ {
		s.runWG.Add(1)
		go s.workerLoop(runCtx, i)
	}
	return s
}

// SeedTree walks rootNode once: it commits the root itself (already
// loaded by the caller) and emits it via onDirectoryLoaded, then
// enqueues every unloaded child directory as a target, classified into
// the primary or deferred queue. It bumps the source token so results
// still in flight from a prior session are dropped on arrival.
func (s *Scheduler) SeedTree(rootNode *cache.DirectoryNode) uint64 {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return 0
	}
	s.sourceToken++
	token := s.sourceToken
	s.primaryQueue = newPathQueue()
	s.deferredQueue = newPathQueue()
	s.loadedDirPaths = make(map[string]struct{})
	s.pendingResults = nil
	s.activePrimary = 0
	s.activeDeferred = 0
	s.phase = PhaseIdle
	runCtx := s.runCtx
	if rootNode != nil {
		s.loadedDirPaths[rootNode.Path] = struct{}{}
	}
	s.mu.Unlock()

	if rootNode != nil {
		if cerr := s.controller.MergeDirectoryUpdate(runCtx, rootNode); cerr != nil {
			logger.WithError(cerr).Warnf("failed to persist seeded root %q", rootNode.Path)
		}
		if s.handler != nil {
			s.handler.OnDirectoryLoaded(rootNode, token)
		}
	}

	s.ingestChildren(rootNode, token)
	s.reportStatus()
	s.wake()
	return token
}

// EnqueueSubtree drops any queued entry for node.path and ingests its
// children the same way SeedTree does, without starting a new session.
func (s *Scheduler) EnqueueSubtree(node *cache.DirectoryNode) {
	if node == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	token := s.sourceToken
	s.primaryQueue.remove(node.Path)
	s.deferredQueue.remove(node.Path)
	s.loadedDirPaths[node.Path] = struct{}{}
	s.mu.Unlock()

	s.ingestChildren(node, token)
	s.reportStatus()
	s.wake()
}

// MarkDirLoaded adds path to loadedDirPaths and drops any queued target
// for it, e.g. when a directory was loaded out-of-band.
func (s *Scheduler) MarkDirLoaded(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadedDirPaths[path] = struct{}{}
	s.primaryQueue.remove(path)
	s.deferredQueue.remove(path)
}

// ResetForSource bumps the session token, drains in-flight jobs, and
// clears all queues, stats, and counters, remembering source for
// observability.
func (s *Scheduler) ResetForSource(source string) uint64 {
	s.mu.Lock()
	if s.disposed {
		token := s.sourceToken
		s.mu.Unlock()
		return token
	}
	s.sourceToken++
	token := s.sourceToken
	s.primaryQueue = newPathQueue()
	s.deferredQueue = newPathQueue()
	s.loadedDirPaths = make(map[string]struct{})
	s.pendingResults = nil
	s.processedCount = 0
	s.totalDurationMs = 0
	s.lastDurationMs = 0
	s.lastSource = source
	s.phase = PhaseDraining
	s.mu.Unlock()

	atomic.StoreInt64(&s.completed, 0)
	atomic.StoreInt64(&s.failed, 0)
	s.awaitDrain()

	s.mu.Lock()
	if s.phase == PhaseDraining {
		s.phase = PhaseIdle
	}
	s.mu.Unlock()
	s.reportStatus()
	return token
}

func (s *Scheduler) awaitDrain() {
	for {
		s.mu.Lock()
		active := s.activePrimary + s.activeDeferred
		s.mu.Unlock()
		if active == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Dispose permanently stops the scheduler; queued targets are rejected
// and its worker pool winds down once in-flight loads finish.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.phase = PhaseDisposed
	cancel := s.runCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.runWG.Wait()
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// workerLoop implements the bounded two-phase drain: primary-queue
// targets are fully processed (and their results flushed) before any
// deferred-queue target is even dequeued.
func (s *Scheduler) workerLoop(ctx context.Context, id int) {
	defer s.runWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !s.hasPrefetchBudget() {
			s.clearQueues()
			return
		}

		target, priority, ok := s.dequeueNextTarget()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.wakeCh:
				continue
			case <-time.After(200 * time.Millisecond):
				continue
			}
		}

		start := time.Now()
		s.processTarget(ctx, target, priority)
		elapsed := time.Since(start)

		for _, r := range s.finishTarget(priority) {
			if s.handler != nil {
				s.handler.OnDirectoryLoaded(r.node, r.token)
			}
		}
		s.recordProcessed(elapsed)
		s.maybeYield()
	}
}

func (s *Scheduler) hasPrefetchBudget() bool {
	if s.maxPrefetchedDirs <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loadedDirPaths) < s.maxPrefetchedDirs
}

func (s *Scheduler) clearQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryQueue = newPathQueue()
	s.deferredQueue = newPathQueue()
	s.phase = PhaseIdle
}

func (s *Scheduler) dequeueNextTarget() (cache.PrefetchTarget, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.primaryQueue.pop(); ok {
		s.activePrimary++
		if s.phase == PhaseIdle {
			s.phase = PhasePrimary
		}
		return t, "primary", true
	}
	if s.primaryQueue.len() == 0 && s.activePrimary == 0 {
		if t, ok := s.deferredQueue.pop(); ok {
			s.activeDeferred++
			s.phase = PhaseDeferred
			return t, "deferred", true
		}
	}
	return cache.PrefetchTarget{}, "", false
}

// finishTarget records a dequeued job's completion and, if this was the
// job that drained the primary phase, returns the buffered primary
// results for the caller to flush to the handler outside the lock.
func (s *Scheduler) finishTarget(priority string) []pendingResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch priority {
	case "primary":
		s.activePrimary--
	case "deferred":
		s.activeDeferred--
	}

	var flushed []pendingResult
	if s.phase == PhasePrimary && s.primaryQueue.len() == 0 && s.activePrimary == 0 {
		flushed = s.pendingResults
		s.pendingResults = nil
		if s.deferredQueue.len() > 0 || s.activeDeferred > 0 {
			s.phase = PhaseDeferred
		} else {
			s.phase = PhaseIdle
		}
	}
	if s.primaryQueue.len() == 0 && s.deferredQueue.len() == 0 && s.activePrimary == 0 && s.activeDeferred == 0 &&
		s.phase != PhaseDraining && s.phase != PhaseDisposed {
		s.phase = PhaseIdle
	}
	return flushed
}

// processTarget loads target via the filesystem adapter, commits
// primary results and buffers them for the end-of-phase flush, or
// reports deferred results as stub metadata without committing them to
// the live tree, then ingests any newly discovered children.
func (s *Scheduler) processTarget(ctx context.Context, target cache.PrefetchTarget, priority string) {
	s.mu.Lock()
	current := s.sourceToken
	s.mu.Unlock()
	if target.SourceToken != current {
		return
	}

	node, mtime, err := s.loadWithRetry(ctx, target.Path)
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		if s.handler != nil {
			s.handler.OnError(target.Path, target.SourceToken, err)
		}
		return
	}
	node.MTime = &mtime

	s.mu.Lock()
	stillCurrent := target.SourceToken == s.sourceToken
	s.mu.Unlock()
	if !stillCurrent {
		return
	}

	atomic.AddInt64(&s.completed, 1)
	s.markLoaded(target.Path)

	if priority == "primary" {
		if cerr := s.controller.MergeDirectoryUpdate(ctx, node); cerr != nil {
			logger.WithError(cerr).Warnf("failed to persist prefetched directory %q", target.Path)
		}
		s.mu.Lock()
		s.pendingResults = append(s.pendingResults, pendingResult{node: node, token: target.SourceToken})
		s.mu.Unlock()
	} else if s.handler != nil {
		stub := &cache.DirectoryNode{
			Path: node.Path, ParentPath: node.ParentPath, Name: node.Name,
			Depth: node.Depth, IsLoaded: true,
		}
		s.handler.OnDeferredMetadata(cache.DeferredDirMetadata{Path: target.Path, Node: stub, SourceToken: target.SourceToken})
	}

	s.ingestChildren(node, target.SourceToken)
}

func (s *Scheduler) markLoaded(path string) {
	s.mu.Lock()
	s.loadedDirPaths[path] = struct{}{}
	s.mu.Unlock()
}

// ingestChildren enqueues node's unloaded child directories, classifying
// each into the primary or deferred queue and skipping anything past the
// depth ceiling or already in loadedDirPaths.
func (s *Scheduler) ingestChildren(node *cache.DirectoryNode, token uint64) {
	if node == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || token != s.sourceToken {
		return
	}
	for _, c := range node.Children {
		if c.Kind != cache.ChildDirectory || c.IsLoaded {
			continue
		}
		if _, loaded := s.loadedDirPaths[c.Path]; loaded {
			continue
		}
		if c.Depth > s.maxPrefetchDepth {
			continue
		}
		target := cache.PrefetchTarget{Path: c.Path, Depth: c.Depth, MaxDepth: s.maxPrefetchDepth, SourceToken: token}
		if isDeferredPath(c.Path) {
			s.deferredQueue.push(target)
		} else {
			s.primaryQueue.push(target)
		}
	}
	if s.phase == PhaseIdle {
		if s.primaryQueue.len() > 0 {
			s.phase = PhasePrimary
		} else if s.deferredQueue.len() > 0 {
			s.phase = PhaseDeferred
		}
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordProcessed(elapsed time.Duration) {
	s.mu.Lock()
	s.processedCount++
	ms := elapsed.Milliseconds()
	s.totalDurationMs += ms
	s.lastDurationMs = ms
	count := s.processedCount
	s.mu.Unlock()
	if count%int64(s.statusSampleInterval) == 0 {
		s.reportStatus()
	}
}

// maybeYield gives other goroutines a turn every batchSize processed
// targets, so a long prefetch walk never starves the rest of the host.
func (s *Scheduler) maybeYield() {
	s.mu.Lock()
	count := s.processedCount
	s.mu.Unlock()
	if count%int64(s.batchSize) == 0 {
		runtime.Gosched()
	}
}

// LoadDirectoryWithCache is the cache-first read path: a cache hit
// returns immediately and schedules a single non-blocking background
// validation; a miss falls back to the filesystem adapter and commits
// what it finds before returning.
func (s *Scheduler) LoadDirectoryWithCache(ctx context.Context, target cache.PrefetchTarget) (*cache.DirectoryNode, error) {
	if cached, ok := s.controller.GetCachedDirectory(ctx, target.Path); ok {
		s.scheduleValidation(target, cached)
		return cached, nil
	}

	node, mtime, err := s.loadWithRetry(ctx, target.Path)
	if err != nil {
		atomic.AddInt64(&s.failed, 1)
		if s.handler != nil {
			s.handler.OnError(target.Path, target.SourceToken, err)
		}
		return nil, err
	}
	node.MTime = &mtime
	if cerr := s.controller.PerformIncrementalUpdate(ctx, node, &mtime); cerr != nil {
		logger.WithError(cerr).Warnf("failed to persist freshly loaded directory %q", target.Path)
	}
	return node, nil
}

// scheduleValidation launches validateInBackground on the scheduler's
// own lifecycle context, decoupled from the caller's context, which may
// be cancelled the moment LoadDirectoryWithCache returns.
func (s *Scheduler) scheduleValidation(target cache.PrefetchTarget, cached *cache.DirectoryNode) {
	s.mu.Lock()
	disposed := s.disposed
	runCtx := s.runCtx
	s.mu.Unlock()
	if disposed {
		return
	}
	go s.validateInBackground(runCtx, target, cached)
}

// validateInBackground reloads target via the adapter and, if the fresh
// child-name set differs from the cached one, merges and emits the
// update. A superseded session (resetForSource/dispose) is detected both
// before and after the adapter call and silently drops the result.
func (s *Scheduler) validateInBackground(ctx context.Context, target cache.PrefetchTarget, cachedNode *cache.DirectoryNode) {
	s.mu.Lock()
	disposed := s.disposed
	current := s.sourceToken
	s.mu.Unlock()
	if disposed || (target.SourceToken != 0 && target.SourceToken != current) {
		return
	}

	fresh, mtime, err := s.adapter.LoadDirectory(ctx, target.Path)
	if err != nil || fresh == nil {
		return
	}
	fresh.MTime = &mtime

	if !hasDataChanged(cachedNode, fresh) {
		return
	}

	s.mu.Lock()
	disposed = s.disposed
	stillCurrent := target.SourceToken == 0 || target.SourceToken == s.sourceToken
	s.mu.Unlock()
	if disposed || !stillCurrent {
		return
	}

	if cerr := s.controller.MergeDirectoryUpdate(ctx, fresh); cerr != nil {
		logger.WithError(cerr).Warnf("failed to persist validated directory %q", target.Path)
		return
	}
	if s.handler != nil {
		s.handler.OnDirectoryLoaded(fresh, target.SourceToken)
	}
}

// hasDataChanged compares two directory nodes' children as name
// multisets; order is not considered.
func hasDataChanged(cached, fresh *cache.DirectoryNode) bool {
	if cached == nil || fresh == nil {
		return cached != fresh
	}
	if len(cached.Children) != len(fresh.Children) {
		return true
	}
	counts := make(map[string]int, len(cached.Children))
	for _, c := range cached.Children {
		counts[c.Name]++
	}
	for _, c := range fresh.Children {
		counts[c.Name]--
	}
	for _, n := range counts {
		if n != 0 {
			return true
		}
	}
	return false
}

// PerformIncrementalUpdate reloads each changed path via the filesystem
// adapter, commits it, and emits onDirectoryLoaded, without touching any
// sibling's cached entry.
func (s *Scheduler) PerformIncrementalUpdate(ctx context.Context, changedPaths []string, mtimes map[string]time.Time) {
	for _, p := range changedPaths {
		node, mtime, err := s.loadWithRetry(ctx, p)
		if err != nil {
			atomic.AddInt64(&s.failed, 1)
			if s.handler != nil {
				s.handler.OnError(p, 0, err)
			}
			continue
		}
		observed := mtime
		if mt, ok := mtimes[p]; ok {
			observed = mt
		}
		node.MTime = &observed
		if cerr := s.controller.PerformIncrementalUpdate(ctx, node, &observed); cerr != nil {
			logger.WithError(cerr).Warnf("failed to persist incremental update for %q", p)
			continue
		}
		if s.handler != nil {
			s.mu.Lock()
			token := s.sourceToken
			s.mu.Unlock()
			s.handler.OnDirectoryLoaded(node, token)
		}
	}
}

// loadWithRetry gives the adapter two attempts with a short backoff
// before surfacing its error to the caller.
func (s *Scheduler) loadWithRetry(ctx context.Context, path string) (*cache.DirectoryNode, time.Time, error) {
	const maxAttempts = 2
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		node, mtime, err := s.adapter.LoadDirectory(ctx, path)
		if err == nil {
			return node, mtime, nil
		}
		lastErr = err
		if attempt < maxAttempts-1 {
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return nil, time.Time{}, ctx.Err()
			}
		}
	}
	return nil, time.Time{}, lastErr
}

func (s *Scheduler) reportStatus() {
	if s.handler == nil {
		return
	}
	s.mu.Lock()
	status := cache.PrefetchStatus{
		Phase:           string(s.phase),
		PrimaryPending:  s.primaryQueue.len(),
		DeferredPending: s.deferredQueue.len(),
		Completed:       int(atomic.LoadInt64(&s.completed)),
		Failed:          int(atomic.LoadInt64(&s.failed)),
		SourceToken:     s.sourceToken,
	}
	s.mu.Unlock()
	s.handler.OnStatus(status)
}
