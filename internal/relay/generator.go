package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jobkr/chat-backend/internal/ai"
	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/jobkr/chat-backend/internal/prompt"
	"github.com/jobkr/chat-backend/internal/store/rabbitmq"
)

// Store is what the generator needs from the chat service: the redelivery
// claim and the conversation context.
type Store interface {
	// ClaimGeneration flips the request queued -> running; false means a
	// duplicate delivery (or an already-finished generation) and the
	// request must be skipped. A running claim older than staleAfter is
	// reclaimable (crashed worker).
	ClaimGeneration(ctx context.Context, correlationID string, staleAfter time.Duration) (bool, error)
	// RecentContext returns the conversation window oldest-first, ending
	// with the user turn that triggered this generation.
	RecentContext(ctx context.Context, userID, roomID string) ([]ai.Message, error)
}

// RoomSource resolves room metadata for prompt building. A missing room is
// not an error: the room document may have expired while messages remain.
type RoomSource interface {
	GetRoom(ctx context.Context, roomID string) (*chat.Room, error)
}

// Generator consumes generation requests and drives the provider stream
// into the session's channel. Per request it moves through
// received -> streaming -> completed/failed; the terminal event is
// produced on every path, with or without a bound channel.
type Generator struct {
	store    Store
	rooms    RoomSource
	prompts  prompt.Builder
	provider ai.Provider
	registry *Registry
	fin      *Finalizer
	timeout  time.Duration
}

func NewGenerator(store Store, rooms RoomSource, prompts prompt.Builder, provider ai.Provider, registry *Registry, fin *Finalizer, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Generator{
		store:    store,
		rooms:    rooms,
		prompts:  prompts,
		provider: provider,
		registry: registry,
		fin:      fin,
		timeout:  timeout,
	}
}

// Handle processes one delivery. Return contract for the consume loop:
// nil -> ack, ErrChannelBusy -> requeue via the retry queue and ack,
// anything else -> nack to the DLQ.
func (g *Generator) Handle(ctx context.Context, req rabbitmq.GenerationRequest) error {
	if req.CorrelationID == "" || req.RoomID == "" {
		return fmt.Errorf("relay: malformed request correlation_id=%q room_id=%q", req.CorrelationID, req.RoomID)
	}

	// Bind the channel before claiming: a busy channel must leave the
	// request claimable by the retry delivery.
	ch, bound := g.registry.Lookup(req.RoomID)
	if bound {
		if err := ch.BeginGeneration(req.CorrelationID); err != nil {
			if errors.Is(err, ErrChannelBusy) {
				return ErrChannelBusy
			}
			// closed under us; continue without relay
			ch, bound = nil, false
		} else {
			defer ch.EndGeneration(req.CorrelationID)
		}
	}
	if !bound {
		log.Printf("relay: no channel bound room_id=%s correlation_id=%s, accumulate only", req.RoomID, req.CorrelationID)
		ch = nil
	}

	// a running claim that outlived the generation timeout is a crashed
	// worker's; take it over
	claimed, err := g.store.ClaimGeneration(ctx, req.CorrelationID, g.timeout)
	if err != nil {
		return fmt.Errorf("claim generation %s: %w", req.CorrelationID, err)
	}
	if !claimed {
		log.Printf("relay: duplicate delivery skipped correlation_id=%s", req.CorrelationID)
		return nil
	}

	gctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	msgs, err := g.buildContext(gctx, req)
	if err != nil {
		return g.fin.Failure(ctx, req, err, ch)
	}

	start := time.Now()
	fullText, err := g.streamAndRelay(gctx, req, msgs, ch)
	if err != nil {
		log.Printf("relay: generation failed correlation_id=%s cost=%s err=%v", req.CorrelationID, time.Since(start), err)
		return g.fin.Failure(ctx, req, err, ch)
	}
	if strings.TrimSpace(fullText) == "" {
		return g.fin.Failure(ctx, req, errors.New("provider returned no content"), ch)
	}

	log.Printf("relay: generation completed correlation_id=%s cost=%s chars=%d", req.CorrelationID, time.Since(start), len(fullText))
	return g.fin.Success(ctx, req, fullText, ch)
}

func (g *Generator) buildContext(ctx context.Context, req rabbitmq.GenerationRequest) ([]ai.Message, error) {
	room, err := g.rooms.GetRoom(ctx, req.RoomID)
	if err != nil {
		if !errors.Is(err, chat.ErrRoomNotFound) {
			log.Printf("relay: room lookup failed room_id=%s err=%v", req.RoomID, err)
		}
		room = nil
	}

	history, err := g.store.RecentContext(ctx, req.UserID, req.RoomID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	firstTurn := len(history) <= 1
	msgs := make([]ai.Message, 0, len(history)+1)
	msgs = append(msgs, ai.Message{Role: "system", Content: g.prompts.System(room, firstTurn)})
	msgs = append(msgs, history...)
	return msgs, nil
}

// streamAndRelay consumes the provider's fragment sequence, accumulating
// every fragment and relaying to the channel while one is bound. A relay
// failure demotes to accumulate-only; the provider call always runs to
// completion so the terminal event can be persisted.
func (g *Generator) streamAndRelay(ctx context.Context, req rabbitmq.GenerationRequest, msgs []ai.Message, ch *Channel) (string, error) {
	sp, ok := g.provider.(ai.StreamProvider)
	if !ok {
		reply, err := g.provider.Chat(ctx, msgs)
		if err != nil {
			return "", err
		}
		if ch != nil {
			if serr := ch.Send(Event{Type: EventChunk, CorrelationID: req.CorrelationID, Delta: reply}); serr != nil {
				log.Printf("relay: chunk send failed correlation_id=%s err=%v", req.CorrelationID, serr)
			}
		}
		return reply, nil
	}

	chunks, errs := sp.StreamChat(ctx, msgs)

	var b strings.Builder
	relaying := ch != nil
	for c := range chunks {
		b.WriteString(c)
		if !relaying {
			continue
		}
		if serr := ch.Send(Event{Type: EventChunk, CorrelationID: req.CorrelationID, Delta: c}); serr != nil {
			log.Printf("relay: client unbound mid-stream correlation_id=%s err=%v", req.CorrelationID, serr)
			relaying = false
		}
	}

	// at most one buffered error; channel is closed by the producer
	if err := <-errs; err != nil {
		return "", err
	}
	return b.String(), nil
}
