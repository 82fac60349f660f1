package callbackbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/susamn/treecached/internal/cache"
)

func TestSubscribersAllReceiveDirectoryLoaded(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	var got []string

	for i := 0; i < 3; i++ {
		bus.SubscribeDirectoryLoaded(func(node *cache.DirectoryNode, sourceToken uint64) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, node.Path)
		})
	}

	bus.OnDirectoryLoaded(&cache.DirectoryNode{Path: "r"}, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected all 3 subscribers to be invoked, got %d", len(got))
	}
	for _, p := range got {
		if p != "r" {
			t.Fatalf("unexpected path delivered: %q", p)
		}
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	secondCalled := false

	bus.SubscribeStatus(func(status cache.PrefetchStatus) {
		panic("boom")
	})
	bus.SubscribeStatus(func(status cache.PrefetchStatus) {
		mu.Lock()
		defer mu.Unlock()
		secondCalled = true
	})

	// Must not panic out of OnStatus itself.
	bus.OnStatus(cache.PrefetchStatus{Phase: "primary"})

	mu.Lock()
	defer mu.Unlock()
	if !secondCalled {
		t.Fatalf("expected the second subscriber to still run after the first panicked")
	}
}

func TestOnErrorDeliversToAllSubscribers(t *testing.T) {
	bus := New()
	var mu sync.Mutex
	count := 0

	bus.SubscribeError(func(path string, sourceToken uint64, err error) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	bus.SubscribeError(func(path string, sourceToken uint64, err error) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	bus.OnError("p", 1, errors.New("failed"))

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected both error subscribers to run, got %d", count)
	}
}

func TestNoSubscribersIsANoop(t *testing.T) {
	bus := New()
	// None of these should panic with zero subscribers registered.
	bus.OnDirectoryLoaded(&cache.DirectoryNode{Path: "r"}, 1)
	bus.OnDeferredMetadata(cache.DeferredDirMetadata{Path: "r"})
	bus.OnStatus(cache.PrefetchStatus{})
	bus.OnError("r", 1, errors.New("x"))
}
