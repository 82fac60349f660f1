package eventlog

import (
	"fmt"
	"testing"
	"time"
)

func TestReplayOrderingBeforeWraparound(t *testing.T) {
	log := New()
	log.Append("a", "p1", nil)
	log.Append("b", "p2", nil)
	log.Append("c", "p3", nil)

	events := log.Replay()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	want := []string{"a", "b", "c"}
	for i, w := range want {
		if events[i].Kind != w {
			t.Fatalf("event %d: got kind %q, want %q", i, events[i].Kind, w)
		}
	}
}

func TestReplayOrderingAfterWraparound(t *testing.T) {
	log := New()
	// Fill the ring exactly, then push a few more past capacity so the
	// oldest entries are evicted and the write pointer wraps.
	for i := 0; i < Capacity+5; i++ {
		log.Append(fmt.Sprintf("k%d", i), "p", nil)
	}

	events := log.Replay()
	if len(events) != Capacity {
		t.Fatalf("expected exactly Capacity (%d) events retained, got %d", Capacity, len(events))
	}
	// The oldest surviving event should be k5 (0..4 evicted), the newest
	// should be k(Capacity+4), and the slice must be in chronological order.
	if events[0].Kind != "k5" {
		t.Fatalf("expected oldest retained event to be k5, got %q", events[0].Kind)
	}
	lastWant := fmt.Sprintf("k%d", Capacity+4)
	if events[len(events)-1].Kind != lastWant {
		t.Fatalf("expected newest event to be %q, got %q", lastWant, events[len(events)-1].Kind)
	}
	for i := 1; i < len(events); i++ {
		if events[i].TimestampUnixMs < events[i-1].TimestampUnixMs {
			t.Fatalf("events out of chronological order at index %d", i)
		}
	}
}

func TestEventsHaveUniqueIDs(t *testing.T) {
	log := New()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ev := log.Append("k", "p", nil)
		if seen[ev.ID] {
			t.Fatalf("duplicate event ID %q", ev.ID)
		}
		seen[ev.ID] = true
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	log := New()
	ch, unsubscribe := log.Subscribe(4)
	defer unsubscribe()

	log.Append("live", "p", nil)

	select {
	case ev := <-ch:
		if ev.Kind != "live" {
			t.Fatalf("unexpected event kind %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a live event within 1s")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	log := New()
	ch, unsubscribe := log.Subscribe(4)
	unsubscribe()

	log.Append("after-unsub", "p", nil)

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to be closed or empty, got event %+v", ev)
		}
	default:
	}
}

func TestSlowSubscriberDoesNotBlockAppend(t *testing.T) {
	log := New()
	// Buffer of 1: a slow/non-draining subscriber's channel fills up, but
	// Append must not block waiting for it.
	_, unsubscribe := log.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			log.Append("k", "p", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Append blocked on a slow subscriber")
	}
}
