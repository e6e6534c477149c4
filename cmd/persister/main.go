package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/jobkr/chat-backend/internal/config"
	"github.com/jobkr/chat-backend/internal/db"
	"github.com/jobkr/chat-backend/internal/store/rabbitmq"
	"github.com/jobkr/chat-backend/internal/store/redisstore"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	tagResponses = "persister-responses"
	tagErrors    = "persister-errors"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&chat.Message{}, &chat.Generation{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rooms := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rooms.Close()

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, rooms, nil, cfg.ChatContextWindowSize)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RequestQueue, cfg.ResponseQueue, cfg.ErrorQueue); err != nil {
		log.Fatalf("declare topology: %v", err)
	}

	concurrency := workerConcurrency()
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	responses, err := ch.Consume(cfg.ResponseQueue, tagResponses, false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume responses: %v", err)
	}
	errs, err := ch.Consume(cfg.ErrorQueue, tagErrors, false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume errors: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("persister started queues=%s,%s concurrency=%d", cfg.ResponseQueue, cfg.ErrorQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, svc, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("persister shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-responses:
			if !ok {
				log.Printf("response channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d

		case d, ok := <-errs:
			if !ok {
				log.Printf("error channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

// handleDelivery routes by consumer tag: the same worker pool drains both
// terminal queues. Persistence is idempotent per correlation id, so a
// redelivered message acks cleanly without a second row.
func handleDelivery(ctx context.Context, workerID int, svc *chat.Service, d amqp.Delivery) {
	start := time.Now()

	var err error
	switch d.ConsumerTag {
	case tagErrors:
		var e rabbitmq.GenerationError
		if uerr := json.Unmarshal(d.Body, &e); uerr != nil || e.CorrelationID == "" {
			log.Printf("worker=%d bad error message: %v", workerID, uerr)
			_ = d.Nack(false, false)
			return
		}
		err = svc.RecordError(ctx, e)
	default:
		var resp rabbitmq.GenerationResponse
		if uerr := json.Unmarshal(d.Body, &resp); uerr != nil || resp.CorrelationID == "" {
			log.Printf("worker=%d bad response message: %v", workerID, uerr)
			_ = d.Nack(false, false)
			return
		}
		err = svc.RecordResponse(ctx, resp)
	}

	if err != nil {
		log.Printf("worker=%d persist failed tag=%s cost=%s err=%v", workerID, d.ConsumerTag, time.Since(start), err)
		_ = d.Nack(false, false)
		return
	}
	if err := d.Ack(false); err != nil {
		log.Printf("worker=%d ack failed tag=%s err=%v", workerID, d.ConsumerTag, err)
	}
}
