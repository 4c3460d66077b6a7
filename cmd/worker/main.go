package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/bootstrap"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/chat"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/config"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/logger"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/store/rabbitmq"
	"github.com/naruebet-orgl/ai-line-summarizer-sub000/internal/tracing"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	maxAttempts = 3
	retryDelay  = 30 * time.Second
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogFile, cfg.AppEnv == "prod").With(zap.String("component", "worker"))
	defer func() { _ = log.Sync() }()

	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Init(cfg.OTELEnabled, cfg.OTELEndpoint, "line-summarizer-worker", log)
	defer func() { _ = shutdownTracing(context.Background()) }()

	gdb, err := bootstrap.OpenDB(cfg)
	if err != nil {
		log.Fatal("database init failed", zap.Error(err))
	}

	var events chat.EventSink
	if ep := bootstrap.Events(cfg, log); ep != nil {
		defer func() { _ = ep.Close() }()
		events = ep
	}

	summarizer, err := bootstrap.Summarizer(ctx, cfg)
	if err != nil {
		log.Fatal("ai provider init failed", zap.String("provider", cfg.AIProvider), zap.Error(err))
	}
	repo := chat.NewRepo(gdb)
	svc := chat.NewSummaryService(repo, summarizer, cfg.MinMessagesForSummary, events, log)
	svc.SetStaleAfter(bootstrap.StaleSummarizing(cfg))

	retries, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal("rabbit publisher init failed", zap.Error(err))
	}
	defer func() { _ = retries.Close() }()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal("rabbit dial", zap.Error(err))
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatal("rabbit channel", zap.Error(err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareJobQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal("queue declare", zap.Error(err))
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatal("qos", zap.Error(err))
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatal("consume", zap.Error(err))
	}

	log.Info("worker started", zap.String("queue", cfg.RabbitQueue), zap.Int("concurrency", concurrency))

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With(zap.Int("worker", workerID))
			for d := range jobs {
				handleDelivery(ctx, svc, retries, d, wlog)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Warn("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}

// handleDelivery runs one job and settles the delivery. Transient failures go back through
// the retry queue until maxAttempts, then to the dead-letter queue.
func handleDelivery(ctx context.Context, svc *chat.SummaryService, retries *rabbitmq.Publisher, d amqp.Delivery, log *zap.Logger) {
	var m rabbitmq.JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Warn("bad message", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	attempt := rabbitmq.Attempt(d)
	start := time.Now()
	err := svc.RunJob(ctx, m.JobID)
	jlog := log.With(zap.String("job_id", m.JobID), zap.Int("attempt", attempt), zap.Duration("cost", time.Since(start)))

	switch {
	case err == nil:
		jlog.Info("job succeeded")
	case chat.IsSkip(err), errors.Is(err, chat.ErrJobNotFound), errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrSessionActive):
		// retrying cannot change the outcome
		jlog.Info("job not runnable", zap.Error(err))
	case attempt < maxAttempts && ctx.Err() == nil:
		jlog.Warn("job failed, scheduling retry", zap.Error(err))
		if perr := retries.PublishRetry(ctx, m.JobID, attempt, retryDelay*time.Duration(attempt)); perr != nil {
			jlog.Error("publish retry failed", zap.Error(perr))
			_ = d.Nack(false, false)
			return
		}
	default:
		jlog.Error("job failed", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	if err := d.Ack(false); err != nil {
		jlog.Warn("ack failed", zap.Error(err))
	}
}
