package relay

import (
	"log"
	"sync"
	"time"
)

// Registry is the session-key -> channel table. It is the only shared
// mutable state in the relay; all map mutation happens under its mutex and
// channel closure always removes the entry, so a looked-up channel is
// either live or gone, never dangling.
//
// The registry is process-local: a session's channel and its generation
// worker must live in the same process (the consumer is hosted next to the
// push endpoint in cmd/server).
type Registry struct {
	maxLifetime time.Duration
	sendTimeout time.Duration

	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry(maxLifetime, sendTimeout time.Duration) *Registry {
	if maxLifetime <= 0 {
		maxLifetime = 30 * time.Minute
	}
	if sendTimeout <= 0 {
		sendTimeout = 2 * time.Second
	}
	return &Registry{
		maxLifetime: maxLifetime,
		sendTimeout: sendTimeout,
		channels:    make(map[string]*Channel),
	}
}

// Open returns the live channel for key, creating one if absent. Under
// concurrent calls for the same key exactly one channel wins; losers get
// the winner's handle. A dead-but-present entry (already closed) is
// replaced, never resurrected.
func (r *Registry) Open(key string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[key]; ok {
		if ch.State() == StateOpen && !ch.Expired(time.Now()) {
			return ch, false
		}
		ch.close()
		delete(r.channels, key)
	}

	ch := newChannel(key, r.maxLifetime, r.sendTimeout)
	r.channels[key] = ch
	return ch, true
}

// Lookup finds the channel to relay into. A miss means the client is not
// connected; generation proceeds without relay.
func (r *Registry) Lookup(key string) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[key]
	return ch, ok
}

// CloseChannel tears down exactly the given channel, removing its entry
// only while it still occupies the key. Paths that hold a stale handle (a
// disconnected push endpoint's deferred close, the sweeper working off a
// snapshot) must use this so they never kill a replacement channel that a
// reconnected client opened in the meantime.
func (r *Registry) CloseChannel(ch *Channel, reason string) {
	r.mu.Lock()
	cur, present := r.channels[ch.Key()]
	owns := present && cur == ch
	if owns {
		delete(r.channels, ch.Key())
	}
	r.mu.Unlock()

	ch.close()
	if owns {
		log.Printf("relay: channel closed key=%s reason=%s", ch.Key(), reason)
	}
}

// Close tears down whatever channel currently holds key and removes the
// entry. Idempotent. Only for paths where the key itself goes away (room
// ended, shutdown); connection-scoped paths use CloseChannel.
func (r *Registry) Close(key, reason string) {
	r.mu.Lock()
	ch, ok := r.channels[key]
	if ok {
		delete(r.channels, key)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	ch.close()
	log.Printf("relay: channel closed key=%s reason=%s", key, reason)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Snapshot returns the current channels; used by the sweeper so it never
// holds the registry lock while probing.
func (r *Registry) Snapshot() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// CloseAll is for shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	chans := make([]*Channel, 0, len(r.channels))
	for k, ch := range r.channels {
		chans = append(chans, ch)
		delete(r.channels, k)
	}
	r.mu.Unlock()

	for _, ch := range chans {
		ch.close()
	}
	if len(chans) > 0 {
		log.Printf("relay: closed %d channels reason=%s", len(chans), reason)
	}
}
