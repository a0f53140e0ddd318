package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"postmedia/internal/config"
	"postmedia/internal/media/render"
	"postmedia/internal/media/validate"
	"postmedia/internal/metrics"
	"postmedia/internal/models"
	"postmedia/internal/moderation"
	"postmedia/internal/storage"
	"postmedia/internal/testutil"
)

const (
	testBucket = "renditions"
	ownerID    = "user-1"
	postID     = "post-1"
	category   = "garage-sale"
)

var owner = models.Caller{UserID: ownerID, Role: models.UserRoleUser}

type memoryRetries struct {
	mu  sync.Mutex
	due map[string]time.Time
}

func (r *memoryRetries) Schedule(_ context.Context, imageID string, due time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.due[imageID] = due
	return nil
}

func (r *memoryRetries) Ensure(_ context.Context, imageID string, due time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.due[imageID]; ok {
		return false, nil
	}
	r.due[imageID] = due
	return true, nil
}

func (r *memoryRetries) get(imageID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due, ok := r.due[imageID]
	return due, ok
}

type fixture struct {
	pipeline   *Pipeline
	records    *RecordManager
	store      *testutil.MemoryRecordStore
	objects    *testutil.MemoryObjects
	posts      *testutil.PostDirectoryStub
	classifier *testutil.ClassifierStub
	retries    *memoryRetries
	metrics    *metrics.Metrics
}

type fixtureOption func(*config.AppConfig)

func withModeration(enabled bool) fixtureOption {
	return func(cfg *config.AppConfig) { cfg.Moderation.Enabled = enabled }
}

func withSignedURLs() fixtureOption {
	return func(cfg *config.AppConfig) {
		cfg.Storage.URLMode = storage.URLModeSigned
		cfg.Storage.URLExpiry = time.Hour
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := &config.AppConfig{
		Storage: config.StorageConfig{
			Bucket:         testBucket,
			PublicBaseURL:  "https://cdn.example.test",
			URLMode:        storage.URLModePublic,
			Timeout:        2 * time.Second,
			RetryAttempts:  3,
			RetryBaseDelay: time.Millisecond,
		},
		Upload: config.UploadConfig{
			MaxBytes:          10485760,
			MaxPixels:         50_000_000,
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".gif", ".webp"},
			AllowedMIMETypes:  []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		},
		Render: config.RenderConfig{Concurrency: 2, JPEGQuality: 85, WebPQuality: 80, Format: render.FormatJPEG},
		Moderation: config.ModerationConfig{
			Enabled:         true,
			Timeout:         50 * time.Millisecond,
			RejectThreshold: 95,
			ReviewThreshold: 80,
			RetryInitial:    time.Minute,
			RetryMax:        time.Hour,
			MaxAttempts:     3,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	posts := testutil.NewPostDirectoryStub(5)
	posts.AddPost(models.Post{ID: postID, OwnerID: ownerID, Category: category})
	posts.AddPost(models.Post{ID: "post-2", OwnerID: "user-2", Category: category})

	store := testutil.NewMemoryRecordStore()
	objects := testutil.NewMemoryObjects(testBucket)
	renditions := storage.NewRenditionStore(objects, cfg.Storage)
	classifier := &testutil.ClassifierStub{Scores: map[string]float64{"explicit": 3}}
	retries := &memoryRetries{due: map[string]time.Time{}}
	m := metrics.New(prometheus.NewRegistry())
	log := zerolog.Nop()

	records := NewRecordManager(store, posts, renditions, log)
	pipeline := NewPipeline(Dependencies{
		Validator:  validate.New(cfg.Upload, posts, posts, store),
		Renderer:   render.New(cfg.Render),
		Store:      renditions,
		Moderator:  moderation.NewModerator(classifier, cfg.Moderation, log),
		Records:    records,
		Posts:      posts,
		Retries:    retries,
		Moderation: cfg.Moderation,
		Storage:    cfg.Storage,
		Metrics:    m,
		Log:        log,
	})

	return &fixture{
		pipeline:   pipeline,
		records:    records,
		store:      store,
		objects:    objects,
		posts:      posts,
		classifier: classifier,
		retries:    retries,
		metrics:    m,
	}
}

func (f *fixture) upload(t *testing.T, w, h int) models.ImageRecord {
	t.Helper()
	record, err := f.pipeline.Upload(context.Background(), UploadInput{
		Caller:       owner,
		PostID:       postID,
		Filename:     "photo.png",
		DeclaredMIME: "image/png",
		Content:      testutil.TinyPNG(t, w, h),
	})
	require.NoError(t, err)
	return record
}

func (f *fixture) orderOf(t *testing.T, id string) models.ImageRecord {
	t.Helper()
	record, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return record
}

func idsOf(records []models.ImageRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
