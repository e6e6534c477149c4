package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jobkr/chat-backend/internal/ai"
	"github.com/jobkr/chat-backend/internal/chat"
	"github.com/jobkr/chat-backend/internal/config"
	"github.com/jobkr/chat-backend/internal/db"
	"github.com/jobkr/chat-backend/internal/httpapi"
	"github.com/jobkr/chat-backend/internal/prompt"
	"github.com/jobkr/chat-backend/internal/relay"
	"github.com/jobkr/chat-backend/internal/store/rabbitmq"
	"github.com/jobkr/chat-backend/internal/store/redisstore"
	amqp "github.com/rabbitmq/amqp091-go"
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

func buildProvider(cfg config.Config) ai.Provider {
	reg := ai.NewRegistry()

	reg.Register("ollama", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	reg.Register("claude", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.ClaudeModel
		}
		return ai.NewClaudeProvider(cfg.ClaudeBaseURL, cfg.ClaudeAPIKey, m, cfg.ClaudeVersion), nil
	})
	reg.Register("openai", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OpenAIModel
		}
		return ai.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, m), nil
	})

	// provider is chosen once at startup
	provider, err := reg.Get(context.Background(), cfg.AIProvider, "")
	if err != nil {
		log.Fatalf("provider: %v", err)
	}
	return provider
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&chat.Message{}, &chat.Generation{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	rooms := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rooms.Close()

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RequestQueue, cfg.ResponseQueue, cfg.ErrorQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, rooms, pub, cfg.ChatContextWindowSize)

	registry := relay.NewRegistry(cfg.ChannelMaxLifetime, cfg.ChannelSendTimeout)
	fin := relay.NewFinalizer(pub)
	gen := relay.NewGenerator(svc, svc, prompt.NewDefaultBuilder(), buildProvider(cfg), registry, fin, cfg.GenerationTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := relay.NewSweeper(registry, cfg.HeartbeatInterval)
	go sweeper.Run(ctx)

	// The generation consumer lives next to the push endpoint: the relay
	// registry is process-local, so a session's generation must run where
	// its channel is.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumeRequests(ctx, cfg, pub, gen)
	}()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(cfg, svc, registry),
	}

	go func() {
		log.Printf("server started addr=%s provider=%s", cfg.HTTPAddr, cfg.AIProvider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	registry.CloseAll("server shutdown")
	<-consumerDone
}

func consumeRequests(ctx context.Context, cfg config.Config, pub *rabbitmq.Publisher, gen *relay.Generator) {
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

	msgs, err := ch.Consume(cfg.RequestQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("relay consumer started queue=%s concurrency=%d", cfg.RequestQueue, concurrency)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				handleDelivery(ctx, workerID, d, pub, gen)
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("relay consumer shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleDelivery(ctx context.Context, workerID int, d amqp.Delivery, pub *rabbitmq.Publisher, gen *relay.Generator) {
	var req rabbitmq.GenerationRequest
	if err := json.Unmarshal(d.Body, &req); err != nil || req.CorrelationID == "" {
		log.Printf("worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	err := gen.Handle(ctx, req)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			log.Printf("worker=%d ack failed correlation_id=%s err=%v", workerID, req.CorrelationID, err)
		}
	case errors.Is(err, relay.ErrChannelBusy):
		// the room already has an in-flight generation; park the request
		// on the retry queue and take it again shortly
		if rerr := pub.RequeueRequest(ctx, d.Body); rerr != nil {
			log.Printf("worker=%d requeue failed correlation_id=%s err=%v", workerID, req.CorrelationID, rerr)
			_ = d.Nack(false, true)
			return
		}
		_ = d.Ack(false)
	default:
		log.Printf("worker=%d generation failed correlation_id=%s err=%v", workerID, req.CorrelationID, err)
		_ = d.Nack(false, false)
	}
}
