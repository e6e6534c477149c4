package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher owns one connection/channel pair and the queue topology for the
// three generation topics. The request queue gets the retry/DLQ pair; a
// busy-channel requeue goes through the retry queue and dead-letters back
// to the main queue after a short TTL.
type Publisher struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	requestQueue  string
	responseQueue string
	errorQueue    string
}

const retryDelay = 2 * time.Second

func RetryQueue(queue string) string { return queue + ".retry" }
func DLQ(queue string) string        { return queue + ".dlq" }

func NewPublisher(url, requestQueue, responseQueue, errorQueue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	p := &Publisher{
		conn:          conn,
		ch:            ch,
		requestQueue:  requestQueue,
		responseQueue: responseQueue,
		errorQueue:    errorQueue,
	}

	if err := declareTopology(ch, requestQueue, responseQueue, errorQueue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// DeclareTopology sets up all queues; consumers call it through their own
// channel before Consume so either side can start first.
func DeclareTopology(ch *amqp.Channel, requestQueue, responseQueue, errorQueue string) error {
	return declareTopology(ch, requestQueue, responseQueue, errorQueue)
}

func declareTopology(ch *amqp.Channel, requestQueue, responseQueue, errorQueue string) error {
	// Request DLQ
	if _, err := ch.QueueDeclare(DLQ(requestQueue), true, false, false, false, nil); err != nil {
		return err
	}

	// Retry queue: per-message TTL -> dead-letter back to the main queue
	if _, err := ch.QueueDeclare(RetryQueue(requestQueue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": requestQueue,
	}); err != nil {
		return err
	}

	// Main request queue: dead-letter to DLQ on reject/nack(requeue=false)
	if _, err := ch.QueueDeclare(requestQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DLQ(requestQueue),
	}); err != nil {
		return err
	}

	// Terminal-event queues, each with its own DLQ
	for _, q := range []string{responseQueue, errorQueue} {
		if _, err := ch.QueueDeclare(DLQ(q), true, false, false, false, nil); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DLQ(q),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func (p *Publisher) publishJSON(ctx context.Context, queue string, v any, expiration string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Expiration:   expiration,
	}
	return p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		pub,
	)
}

func (p *Publisher) PublishRequest(ctx context.Context, req GenerationRequest) error {
	return p.publishJSON(ctx, p.requestQueue, req, "")
}

// RequeueRequest puts a raw request body on the retry queue; it comes back
// to the main queue after retryDelay. Used when the target channel already
// has an in-flight generation.
func (p *Publisher) RequeueRequest(ctx context.Context, body []byte) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx, "", RetryQueue(p.requestQueue), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Expiration:   formatMillis(retryDelay),
	})
}

func (p *Publisher) PublishResponse(ctx context.Context, resp GenerationResponse) error {
	return p.publishJSON(ctx, p.responseQueue, resp, "")
}

func (p *Publisher) PublishError(ctx context.Context, e GenerationError) error {
	return p.publishJSON(ctx, p.errorQueue, e, "")
}

// amqp expiration is a string of milliseconds
func formatMillis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1000
	}
	return strconv.FormatInt(ms, 10)
}
