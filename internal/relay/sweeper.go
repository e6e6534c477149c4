package relay

import (
	"context"
	"log"
	"time"
)

// Sweeper pings every open channel on a fixed period. The ping frame
// keeps idle connections alive through proxies; a failed send marks the
// channel dead and evicts it. Channels past their max lifetime are
// force-closed regardless of activity.
type Sweeper struct {
	reg      *Registry
	interval time.Duration
}

func NewSweeper(reg *Registry, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 45 * time.Second
	}
	return &Sweeper{reg: reg, interval: interval}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweep(time.Now())
		}
	}
}

func (s *Sweeper) sweep(now time.Time) {
	// close by handle, not by key: between the snapshot and the close the
	// key may already belong to a replacement channel
	for _, ch := range s.reg.Snapshot() {
		if ch.Expired(now) {
			s.reg.CloseChannel(ch, "max lifetime exceeded")
			continue
		}
		if err := ch.Send(Event{Type: EventPing, TS: now.Unix()}); err != nil {
			log.Printf("relay: heartbeat failed key=%s err=%v", ch.Key(), err)
			s.reg.CloseChannel(ch, "heartbeat failed")
		}
	}
}
