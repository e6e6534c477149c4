package relay

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryOpen_ConcurrentSingleWinner(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)

	const goroutines = 16
	var wg sync.WaitGroup
	wg.Add(goroutines)
	results := make([]*Channel, goroutines)
	for i := 0; i < goroutines; i++ {
		go func(i int) {
			defer wg.Done()
			ch, _ := reg.Open("room-1")
			results[i] = ch
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatalf("concurrent opens must converge on one channel")
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 registered channel, got %d", reg.Len())
	}
}

func TestRegistryOpen_ReplacesDeadEntry(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)

	first, created := reg.Open("room-1")
	if !created {
		t.Fatalf("expected fresh channel")
	}
	first.close()

	// the dead entry must be replaced, not resurrected
	second, created := reg.Open("room-1")
	if !created {
		t.Fatalf("expected replacement channel for dead entry")
	}
	if second == first {
		t.Fatalf("closed channel must never be handed out again")
	}
	if second.State() != StateOpen {
		t.Fatalf("replacement must be open")
	}
}

func TestRegistryClose_RemovesEntryAndIsIdempotent(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)

	ch, _ := reg.Open("room-1")
	reg.Close("room-1", "test")
	reg.Close("room-1", "test") // no entry; must be a no-op

	if ch.State() != StateClosed {
		t.Fatalf("close must tear down the channel")
	}
	if reg.Len() != 0 {
		t.Fatalf("close must remove the entry, got len=%d", reg.Len())
	}
	if _, ok := reg.Lookup("room-1"); ok {
		t.Fatalf("lookup after close must miss")
	}
}

func TestRegistry_SessionIsolation(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)

	a, _ := reg.Open("room-a")
	b, _ := reg.Open("room-b")
	if a == b {
		t.Fatalf("distinct keys must get distinct channels")
	}

	reg.Close("room-a", "test")
	if b.State() != StateOpen {
		t.Fatalf("closing one session must not touch another")
	}
	if _, ok := reg.Lookup("room-b"); !ok {
		t.Fatalf("room-b must survive room-a teardown")
	}
}

func TestRegistryCloseChannel_SparesReplacement(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)

	// connection 1 holds a channel, the sweeper evicts it
	stale, _ := reg.Open("room-1")
	if err := stale.Claim(); err != nil {
		t.Fatalf("claim: %v", err)
	}
	reg.CloseChannel(stale, "heartbeat failed")

	// the client reconnects before the old connection handler unwinds
	fresh, created := reg.Open("room-1")
	if !created || fresh == stale {
		t.Fatalf("reconnect must get a fresh channel")
	}
	if err := fresh.Claim(); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	// the old handler's deferred close runs last; it holds the stale handle
	reg.CloseChannel(stale, "client disconnected")

	if fresh.State() != StateOpen {
		t.Fatalf("stale handle close must not kill the reconnected client's channel")
	}
	if got, ok := reg.Lookup("room-1"); !ok || got != fresh {
		t.Fatalf("registry must still hold the fresh channel")
	}

	// closing the live handle still removes the entry
	reg.CloseChannel(fresh, "client disconnected")
	if _, ok := reg.Lookup("room-1"); ok {
		t.Fatalf("live handle close must remove the entry")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)
	a, _ := reg.Open("room-a")
	b, _ := reg.Open("room-b")

	reg.CloseAll("shutdown")

	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
	if a.State() != StateClosed || b.State() != StateClosed {
		t.Fatalf("all channels must be closed")
	}
}

func TestSweeper_EvictsExpiredChannels(t *testing.T) {
	reg := NewRegistry(10*time.Millisecond, time.Second)
	s := NewSweeper(reg, time.Hour)

	ch, _ := reg.Open("room-1")

	s.sweep(time.Now().Add(time.Second))

	if ch.State() != StateClosed {
		t.Fatalf("expired channel must be closed")
	}
	if reg.Len() != 0 {
		t.Fatalf("expired channel must be evicted from the registry")
	}
}

func TestSweeper_EvictsNonDrainingConsumer(t *testing.T) {
	reg := NewRegistry(time.Minute, 10*time.Millisecond)
	s := NewSweeper(reg, time.Hour)

	ch, _ := reg.Open("room-1")
	// fill the event buffer; the client never drains
	for {
		if err := ch.Send(Event{Type: EventChunk, Delta: "x"}); err != nil {
			break
		}
	}

	s.sweep(time.Now())

	if ch.State() != StateClosed {
		t.Fatalf("channel with failed heartbeat must be closed")
	}
	if reg.Len() != 0 {
		t.Fatalf("dead channel must leave the registry")
	}
}

func TestSweeper_PingKeepsHealthyChannel(t *testing.T) {
	reg := NewRegistry(time.Minute, time.Second)
	s := NewSweeper(reg, time.Hour)

	ch, _ := reg.Open("room-1")

	s.sweep(time.Now())

	if ch.State() != StateOpen {
		t.Fatalf("healthy channel must survive a sweep")
	}
	select {
	case ev := <-ch.Events():
		if ev.Type != EventPing {
			t.Fatalf("expected ping frame, got %q", ev.Type)
		}
	default:
		t.Fatalf("expected a buffered ping frame")
	}
}
