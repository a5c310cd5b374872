package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/app"
	"github.com/speakenai/speaken/internal/chat"
	"github.com/speakenai/speaken/internal/store/rabbitmq"
)

const (
	maxRetries = 3
	retryDelay = 5 * time.Second
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

type worker struct {
	svc   *chat.Service
	retry *rabbitmq.Publisher
	log   zerolog.Logger
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}
	log := app.Logger(cfg).With().Str("component", "worker").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, repo, err := app.OpenDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}

	var notifier chat.Notifier
	if rs := app.Redis(ctx, cfg, log); rs != nil {
		defer rs.Close()
		notifier = rs
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit publisher")
	}
	defer pub.Close()

	persister := chat.NewPersister(repo, app.Registry(cfg), notifier, app.PersisterConfig(cfg), log)
	w := &worker{
		svc:   chat.NewService(repo, persister, notifier, pub, log),
		retry: pub,
		log:   log,
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit consumer")
	}
	defer consumer.Close()

	concurrency := workerConcurrency()
	msgs, err := consumer.Deliveries(concurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	log.Info().Str("queue", cfg.RabbitQueue).Int("concurrency", concurrency).Msg("worker started")

	// worker pool
	deliveries := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				w.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker shutting down")
			close(deliveries)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Error().Msg("delivery channel closed")
				close(deliveries)
				wg.Wait()
				return
			}
			deliveries <- d
		}
	}
}

func (w *worker) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		w.log.Warn().Err(err).Int("worker", workerID).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}
	log := w.log.With().Int("worker", workerID).Str("job_id", m.JobID).Logger()

	start := time.Now()
	_, err = w.svc.RunJob(ctx, m.JobID)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}

	case errors.Is(err, chat.ErrJobInterrupted):
		// redelivered later; the placeholder is regenerated from scratch
		log.Info().Dur("cost", time.Since(start)).Msg("job interrupted, requeueing")
		_ = d.Nack(false, true)

	case errors.Is(err, chat.ErrJobNotFound), errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrMessageNotFound):
		log.Warn().Err(err).Msg("job cannot run, dead-lettering")
		_ = d.Nack(false, false)

	default:
		attempt := rabbitmq.Attempt(d)
		if attempt >= maxRetries {
			log.Error().Err(err).Int("attempt", attempt).Msg("job failed, dead-lettering")
			if aerr := w.svc.AbandonJob(ctx, m.JobID, err.Error()); aerr != nil {
				log.Error().Err(aerr).Msg("abandon job failed")
			}
			_ = d.Nack(false, false)
			return
		}
		if rerr := w.retry.RetryJob(ctx, m.JobID, attempt+1, retryDelay*time.Duration(attempt+1)); rerr != nil {
			log.Error().Err(rerr).Msg("retry publish failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Dur("cost", time.Since(start)).Msg("job failed, retrying")
		_ = d.Ack(false)
	}
}
