// Package callbackbus implements the fire-and-forget named-callback
// dispatcher the prefetch scheduler reports through: onDirectoryLoaded,
// onDeferredMetadata, onStatus and onError subscribers are invoked
// synchronously from whichever goroutine published the event, but a
// panicking subscriber never takes down the publisher.
package callbackbus

import (
	"sync"

	"github.com/susamn/treecached/internal/cache"
	"github.com/susamn/treecached/internal/logger"
)

// Bus fans scheduler events out to any number of registered callbacks and
// itself implements prefetch.ResultHandler, so it can be handed straight
// to prefetch.New as the scheduler's sink.
type Bus struct {
	mu                sync.RWMutex
	onDirectoryLoaded []func(node *cache.DirectoryNode, sourceToken uint64)
	onDeferred        []func(meta cache.DeferredDirMetadata)
	onStatus          []func(status cache.PrefetchStatus)
	onError           []func(path string, sourceToken uint64, err error)
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{}
}

// SubscribeDirectoryLoaded registers a callback invoked once per
// primary-phase directory load.
func (b *Bus) SubscribeDirectoryLoaded(fn func(node *cache.DirectoryNode, sourceToken uint64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDirectoryLoaded = append(b.onDirectoryLoaded, fn)
}

// SubscribeDeferredMetadata registers a callback invoked once per
// deferred-phase directory load.
func (b *Bus) SubscribeDeferredMetadata(fn func(meta cache.DeferredDirMetadata)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDeferred = append(b.onDeferred, fn)
}

// SubscribeStatus registers a callback invoked on every scheduler
// progress update.
func (b *Bus) SubscribeStatus(fn func(status cache.PrefetchStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStatus = append(b.onStatus, fn)
}

// SubscribeError registers a callback invoked whenever a directory load
// ultimately fails.
func (b *Bus) SubscribeError(fn func(path string, sourceToken uint64, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, fn)
}

// OnDirectoryLoaded implements prefetch.ResultHandler.
func (b *Bus) OnDirectoryLoaded(node *cache.DirectoryNode, sourceToken uint64) {
	b.mu.RLock()
	subs := append([]func(*cache.DirectoryNode, uint64){}, b.onDirectoryLoaded...)
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall(func() { fn(node, sourceToken) })
	}
}

// OnDeferredMetadata implements prefetch.ResultHandler.
func (b *Bus) OnDeferredMetadata(meta cache.DeferredDirMetadata) {
	b.mu.RLock()
	subs := append([]func(cache.DeferredDirMetadata){}, b.onDeferred...)
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall(func() { fn(meta) })
	}
}

// OnStatus implements prefetch.ResultHandler.
func (b *Bus) OnStatus(status cache.PrefetchStatus) {
	b.mu.RLock()
	subs := append([]func(cache.PrefetchStatus){}, b.onStatus...)
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall(func() { fn(status) })
	}
}

// OnError implements prefetch.ResultHandler.
func (b *Bus) OnError(path string, sourceToken uint64, err error) {
	b.mu.RLock()
	subs := append([]func(string, uint64, error){}, b.onError...)
	b.mu.RUnlock()
	for _, fn := range subs {
		safeCall(func() { fn(path, sourceToken, err) })
	}
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("callback panic recovered: %v", r)
		}
	}()
	fn()
}
