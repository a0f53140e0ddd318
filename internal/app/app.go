// Package app wires the infrastructure clients and the image pipeline shared
// by the API and worker binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postmedia/internal/cache"
	"postmedia/internal/config"
	"postmedia/internal/database"
	"postmedia/internal/handlers"
	"postmedia/internal/media/render"
	"postmedia/internal/media/validate"
	"postmedia/internal/metrics"
	"postmedia/internal/moderation"
	"postmedia/internal/queue"
	"postmedia/internal/repository"
	"postmedia/internal/service"
	"postmedia/internal/storage"
)

type App struct {
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Store    *storage.RenditionStore
	Retries  *queue.RetryQueue
	Pipeline *service.Pipeline
	Metrics  *metrics.Metrics
}

func Build(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger, reg prometheus.Registerer) (*App, error) {
	db, err := database.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	minioClient, err := storage.NewClient(cfg.Storage)
	if err != nil {
		db.Close()
		_ = redisClient.Close()
		return nil, fmt.Errorf("init object store: %w", err)
	}
	store := storage.NewRenditionStore(minioClient, cfg.Storage)
	if err := store.EnsureBucket(ctx); err != nil {
		log.Warn().Err(err).Str("bucket", store.Bucket()).Msg("ensure bucket failed")
	}

	posts := repository.NewPostRepository(db, cfg.Upload.DefaultMaxImages)
	limits := cache.NewCategoryLimitCache(redisClient, posts, cfg.Cache.CategoryTTL, log)
	images := repository.NewImageRepository(db)
	retries := queue.NewRetryQueue(redisClient, cfg.Queue.RetrySet, cfg.Queue.Stream, cfg.Queue.InFlightTTL)
	m := metrics.New(reg)

	records := service.NewRecordManager(images, limits, store, log)
	pipeline := service.NewPipeline(service.Dependencies{
		Validator:  validate.New(cfg.Upload, posts, limits, images),
		Renderer:   render.New(cfg.Render),
		Store:      store,
		Moderator:  moderation.NewModerator(moderation.NewClient(cfg.Moderation), cfg.Moderation, log),
		Records:    records,
		Posts:      posts,
		Retries:    retries,
		Moderation: cfg.Moderation,
		Storage:    cfg.Storage,
		Metrics:    m,
		Log:        log,
	})

	return &App{
		DB:       db,
		Redis:    redisClient,
		Store:    store,
		Retries:  retries,
		Pipeline: pipeline,
		Metrics:  m,
	}, nil
}

// HealthChecks returns the dependency checks served by the health endpoint.
func (a *App) HealthChecks() map[string]handlers.HealthCheck {
	return map[string]handlers.HealthCheck{
		"postgres": a.DB.Ping,
		"redis":    func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		"storage":  a.Store.Ping,
	}
}

func (a *App) Close(log zerolog.Logger) {
	a.DB.Close()
	if err := a.Redis.Close(); err != nil {
		log.Error().Err(err).Msg("redis close error")
	}
}
