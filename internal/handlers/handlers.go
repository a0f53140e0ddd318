package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"postmedia/internal/config"
	"postmedia/internal/middleware"
	"postmedia/internal/models"
	"postmedia/internal/service"
)

// ImageService is the pipeline surface the HTTP layer drives.
type ImageService interface {
	Upload(ctx context.Context, in service.UploadInput) (models.ImageRecord, error)
	Delete(ctx context.Context, caller models.Caller, imageID string) error
	SetPrimary(ctx context.Context, caller models.Caller, imageID string) error
	Reorder(ctx context.Context, caller models.Caller, postID string, ids []string) error
	Get(ctx context.Context, imageID string) (models.ImageRecord, error)
	Primary(ctx context.Context, postID string) (models.ImageRecord, error)
	ListVisible(ctx context.Context, postID string) ([]models.ImageRecord, error)
	ReviewQueue(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ImageRecord, error)
	ResolveModeration(ctx context.Context, reviewer models.Caller, imageID string, status models.ModerationStatus, note string) (models.ImageRecord, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HandlerSet struct {
	log      zerolog.Logger
	cfg      *config.AppConfig
	images   ImageService
	checks   map[string]HealthCheck
	checkTTL time.Duration
}

func NewHandlerSet(log zerolog.Logger, cfg *config.AppConfig, images ImageService, checks map[string]HealthCheck) HandlerSet {
	return HandlerSet{
		log:      log,
		cfg:      cfg,
		images:   images,
		checks:   checks,
		checkTTL: 2 * time.Second,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(h.cfg.Security.JWTAccessSecret))

	v1.POST("/posts/:postId/images", h.UploadImage)
	v1.GET("/posts/:postId/images", h.ListImages)
	v1.GET("/posts/:postId/images/primary", h.PrimaryImage)
	v1.PUT("/posts/:postId/images/order", h.ReorderImages)

	v1.GET("/images/:imageId", h.GetImage)
	v1.DELETE("/images/:imageId", h.DeleteImage)
	v1.POST("/images/:imageId/primary", h.SetPrimary)

	reviewers := v1.Group("")
	reviewers.Use(middleware.RequireRoles(models.UserRoleModerator, models.UserRoleAdmin))
	reviewers.GET("/moderation/queue", h.ModerationQueue)
	reviewers.POST("/images/:imageId/moderation", h.ResolveModeration)
}
