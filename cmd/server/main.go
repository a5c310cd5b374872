package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/app"
	"github.com/speakenai/speaken/internal/chat"
	"github.com/speakenai/speaken/internal/httpapi"
	"github.com/speakenai/speaken/internal/httpapi/handlers"
	"github.com/speakenai/speaken/internal/metrics"
	"github.com/speakenai/speaken/internal/relay"
	"github.com/speakenai/speaken/internal/store/rabbitmq"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("config")
	}
	log := app.Logger(cfg)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	metrics.MustRegister()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, repo, err := app.OpenDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}

	var (
		notifier chat.Notifier
		events   handlers.Subscriber
		limiter  relay.Limiter
	)
	if rs := app.Redis(ctx, cfg, log); rs != nil {
		defer rs.Close()
		notifier, events, limiter = rs, rs, rs
	}

	var jobs chat.JobPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		log.Warn().Err(err).Msg("rabbitmq unavailable, async sends disabled")
	} else {
		defer pub.Close()
		jobs = pub
	}

	persister := chat.NewPersister(repo, app.Registry(cfg), notifier, app.PersisterConfig(cfg), log)
	svc := chat.NewService(repo, persister, notifier, jobs, log)
	h := handlers.NewHandler(gdb, cfg, svc, events, log)
	proxy := relay.New(app.RelayOptions(cfg), log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(cfg, h, proxy, limiter, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
