package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"postmedia/internal/app"
	"postmedia/internal/config"
	"postmedia/internal/log"
	"postmedia/internal/queue"
	"postmedia/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer application.Close(logger)

	processor := tasks.NewProcessor(application.Pipeline, application.Retries, logger)
	consumer := queue.NewConsumer(
		application.Redis,
		cfg.Queue.Stream,
		cfg.Queue.Group,
		cfg.Queue.Consumer,
		cfg.Queue.ClaimInterval,
		logger,
		processor,
	)

	logger.Info().
		Str("stream", cfg.Queue.Stream).
		Str("group", cfg.Queue.Group).
		Str("consumer", cfg.Queue.Consumer).
		Msg("worker started")

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
		return
	}
	logger.Info().Msg("worker exited cleanly")
}
