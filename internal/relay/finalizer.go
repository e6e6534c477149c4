package relay

import (
	"context"
	"log"
	"time"

	"github.com/jobkr/chat-backend/internal/store/rabbitmq"
)

// TerminalPublisher emits the one terminal event every accepted generation
// request must produce. Satisfied by rabbitmq.Publisher.
type TerminalPublisher interface {
	PublishResponse(ctx context.Context, resp rabbitmq.GenerationResponse) error
	PublishError(ctx context.Context, e rabbitmq.GenerationError) error
}

// Finalizer owns the "publish terminal event, then notify channel"
// sequencing. Publication is never conditional on the channel: it runs on
// a detached context (the generation's own deadline may already have
// fired) and channel delivery failures are logged, not propagated.
type Finalizer struct {
	pub TerminalPublisher
}

func NewFinalizer(pub TerminalPublisher) *Finalizer {
	return &Finalizer{pub: pub}
}

func (f *Finalizer) Success(ctx context.Context, req rabbitmq.GenerationRequest, fullText string, ch *Channel) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	err := publishWithRetry(pctx, func() error {
		return f.pub.PublishResponse(pctx, rabbitmq.GenerationResponse{
			CorrelationID: req.CorrelationID,
			RoomID:        req.RoomID,
			UserID:        req.UserID,
			Content:       fullText,
			TimestampMS:   time.Now().UnixMilli(),
		})
	})
	if err != nil {
		return err
	}

	if ch != nil {
		// channel stays open for the next turn
		if serr := ch.Send(Event{
			Type:          EventDone,
			CorrelationID: req.CorrelationID,
			Content:       fullText,
		}); serr != nil {
			log.Printf("relay: done notify failed correlation_id=%s err=%v", req.CorrelationID, serr)
		}
	}
	return nil
}

func (f *Finalizer) Failure(ctx context.Context, req rabbitmq.GenerationRequest, cause error, ch *Channel) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	err := publishWithRetry(pctx, func() error {
		return f.pub.PublishError(pctx, rabbitmq.GenerationError{
			CorrelationID: req.CorrelationID,
			RoomID:        req.RoomID,
			UserID:        req.UserID,
			Error:         cause.Error(),
		})
	})
	if err != nil {
		return err
	}

	if ch != nil {
		if serr := ch.Send(Event{
			Type:          EventError,
			CorrelationID: req.CorrelationID,
			Message:       cause.Error(),
		}); serr != nil {
			log.Printf("relay: error notify failed correlation_id=%s err=%v", req.CorrelationID, serr)
		}
	}
	return nil
}

// publishWithRetry gives the broker a few chances before the caller nacks
// the request to the DLQ.
func publishWithRetry(ctx context.Context, do func() error) error {
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = do(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
		}
	}
	return err
}
