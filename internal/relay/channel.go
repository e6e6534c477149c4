package relay

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrChannelClosed = errors.New("relay: channel closed")
	ErrChannelBusy   = errors.New("relay: generation already in flight")
	ErrSendTimeout   = errors.New("relay: channel send timed out")
	ErrAlreadyClaim  = errors.New("relay: channel already has a subscriber")
)

type EventType string

const (
	EventChunk EventType = "chunk"
	EventPing  EventType = "ping"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event is one frame pushed to the client. Fields are sparse; which ones
// are set depends on Type.
type Event struct {
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Delta         string    `json:"delta,omitempty"`
	Content       string    `json:"content,omitempty"`
	Message       string    `json:"message,omitempty"`
	TS            int64     `json:"ts,omitempty"`
}

type ChannelState int

const (
	StateOpen ChannelState = iota
	StateClosing
	StateClosed
)

// Channel is one session's push stream. Its lifetime is independent of any
// single generation: it spans turns and is only closed by client
// disconnect, sweeper eviction, or expiry of its max lifetime.
//
// All sends go through the internal mutex so heartbeats, chunks and
// terminal notifications never interleave on the wire. A send blocks at
// most sendTimeout; a stalled consumer surfaces as ErrSendTimeout, never
// as an indefinite stall of the producer.
type Channel struct {
	key       string
	createdAt time.Time
	deadline  time.Time

	sendTimeout time.Duration

	events chan Event
	closed chan struct{}

	mu       sync.Mutex
	state    ChannelState
	inflight string // correlation id of the active generation, "" when idle
	claimed  bool   // a consumer is attached
}

func newChannel(key string, maxLifetime, sendTimeout time.Duration) *Channel {
	now := time.Now()
	return &Channel{
		key:         key,
		createdAt:   now,
		deadline:    now.Add(maxLifetime),
		sendTimeout: sendTimeout,
		events:      make(chan Event, 32),
		closed:      make(chan struct{}),
	}
}

func (c *Channel) Key() string { return c.key }

// Events is the consumer side; exactly one goroutine (the push endpoint)
// may range over it, guarded by Claim.
func (c *Channel) Events() <-chan Event { return c.events }

// Done is closed when the channel reaches CLOSED.
func (c *Channel) Done() <-chan struct{} { return c.closed }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Expired(now time.Time) bool { return now.After(c.deadline) }

// Claim attaches the single allowed consumer. A second concurrent claim
// (duplicate client connection for the same session) is refused.
func (c *Channel) Claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return ErrChannelClosed
	}
	if c.claimed {
		return ErrAlreadyClaim
	}
	c.claimed = true
	return nil
}

// Send queues one event for the consumer. It fails fast when the channel
// is closed and gives up after sendTimeout when the consumer is not
// draining; callers treat either as "no longer bound", not as fatal.
//
// The mutex only guards the state check; the blocking wait runs without it
// so a concurrent close wakes pending senders and a stalled consumer never
// stalls State (and, through it, the registry). Queueing on the single
// events channel is atomic, so frames cannot interleave.
func (c *Channel) Send(ev Event) error {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.mu.Unlock()

	t := time.NewTimer(c.sendTimeout)
	defer t.Stop()

	select {
	case c.events <- ev:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-t.C:
		return ErrSendTimeout
	}
}

// BeginGeneration marks the channel busy with one correlation id. At most
// one generation may stream into a channel at a time; a concurrent second
// request gets ErrChannelBusy and is requeued by the caller.
func (c *Channel) BeginGeneration(correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return ErrChannelClosed
	}
	if c.inflight != "" {
		return ErrChannelBusy
	}
	c.inflight = correlationID
	return nil
}

func (c *Channel) EndGeneration(correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == correlationID {
		c.inflight = ""
	}
}

// close transitions OPEN -> CLOSING -> CLOSED and wakes pending senders.
// Idempotent; only the registry calls it, so entry removal and closure
// stay paired.
func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	c.state = StateClosing
	close(c.closed)
	c.state = StateClosed
}
