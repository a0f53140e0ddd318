package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"golang.org/x/sync/errgroup"

	"postmedia/internal/config"
	"postmedia/internal/ids"
	"postmedia/internal/media/render"
	"postmedia/internal/models"
)

const (
	URLModePublic = "public"
	URLModeSigned = "signed"
)

// ObjectAPI is the subset of *minio.Client the rendition store relies on.
type ObjectAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucket, key string, expiry time.Duration, params url.Values) (*url.URL, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
}

func NewClient(cfg config.StorageConfig) (*minio.Client, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return client, nil
}

// Placement lists the objects an upload attempt targeted. On failure it still
// names every key that may exist so the caller can remove them.
type Placement struct {
	Bucket     string
	Renditions map[models.RenditionClass]models.Rendition
}

// Keys returns the targeted keys in class order.
func (p Placement) Keys() []string {
	keys := make([]string, 0, len(p.Renditions))
	for _, class := range models.RenditionClasses {
		if r, ok := p.Renditions[class]; ok && r.Key != "" {
			keys = append(keys, r.Key)
		}
	}
	return keys
}

type RenditionStore struct {
	api       ObjectAPI
	cfg       config.StorageConfig
	attempts  int
	baseDelay time.Duration
}

func NewRenditionStore(api ObjectAPI, cfg config.StorageConfig) *RenditionStore {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return &RenditionStore{api: api, cfg: cfg, attempts: attempts, baseDelay: baseDelay}
}

func (s *RenditionStore) Bucket() string {
	return s.cfg.Bucket
}

// ObjectKey builds a fresh key for a rendition. Keys never contain caller input.
func ObjectKey(class models.RenditionClass) string {
	return string(class) + "/" + ids.New()
}

// PutSet uploads the three renditions concurrently. The whole stage is bounded
// by the configured timeout; running out of time counts as a failure.
func (s *RenditionStore) PutSet(ctx context.Context, set render.Set) (Placement, error) {
	ctx, cancel := s.stageContext(ctx)
	defer cancel()

	placement := Placement{
		Bucket:     s.cfg.Bucket,
		Renditions: make(map[models.RenditionClass]models.Rendition, 3),
	}
	for _, r := range set.All() {
		placement.Renditions[r.Class] = models.Rendition{
			Key:         ObjectKey(r.Class),
			ContentType: r.ContentType,
			Width:       r.Width,
			Height:      r.Height,
			SizeBytes:   int64(len(r.Content)),
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range set.All() {
		target := placement.Renditions[r.Class]
		g.Go(func() error {
			err := s.retry(gctx, func(ctx context.Context) error {
				_, err := s.api.PutObject(ctx, s.cfg.Bucket, target.Key, bytes.NewReader(r.Content), int64(len(r.Content)),
					minio.PutObjectOptions{ContentType: r.ContentType})
				return err
			})
			if err != nil {
				return fmt.Errorf("put %s: %w", target.Key, err)
			}
			link, err := s.URL(gctx, target.Key)
			if err != nil {
				return err
			}
			mu.Lock()
			target.URL = link
			placement.Renditions[r.Class] = target
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return placement, models.NewStorageError(err, transient(err))
	}
	return placement, nil
}

// DeleteSet removes every key. Missing objects are not an error, so the call
// can be repeated after a partial failure.
func (s *RenditionStore) DeleteSet(ctx context.Context, keys []string) error {
	ctx, cancel := s.stageContext(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		if key == "" {
			continue
		}
		g.Go(func() error {
			err := s.retry(gctx, func(ctx context.Context) error {
				err := s.api.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{})
				if isNoSuchKey(err) {
					return nil
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("remove %s: %w", key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.NewStorageError(err, transient(err))
	}
	return nil
}

// URL returns a link for key according to the configured URL mode.
func (s *RenditionStore) URL(ctx context.Context, key string) (string, error) {
	if s.cfg.URLMode == URLModeSigned {
		u, err := s.api.PresignedGetObject(ctx, s.cfg.Bucket, key, s.cfg.URLExpiry, nil)
		if err != nil {
			return "", fmt.Errorf("presign %s: %w", key, err)
		}
		return u.String(), nil
	}
	return s.publicURL(key), nil
}

// RefreshURLs re-signs the rendition links of a record. Public links are
// stable and left untouched.
func (s *RenditionStore) RefreshURLs(ctx context.Context, record *models.ImageRecord) error {
	if s.cfg.URLMode != URLModeSigned {
		return nil
	}
	for _, class := range models.RenditionClasses {
		r := record.Rendition(class)
		if r.Key == "" {
			continue
		}
		link, err := s.URL(ctx, r.Key)
		if err != nil {
			return models.NewStorageError(err, true)
		}
		r.URL = link
		record.SetRendition(class, r)
	}
	return nil
}

func (s *RenditionStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.api.BucketExists(ctx, s.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", s.cfg.Bucket, err)
	}
	if !exists {
		if err := s.api.MakeBucket(ctx, s.cfg.Bucket, minio.MakeBucketOptions{Region: s.cfg.Region}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.cfg.Bucket, err)
		}
	}
	return nil
}

func (s *RenditionStore) Ping(ctx context.Context) error {
	_, err := s.api.BucketExists(ctx, s.cfg.Bucket)
	return err
}

func (s *RenditionStore) publicURL(key string) string {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimSuffix(s.cfg.Endpoint, "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "https://" + base
		}
	}
	return fmt.Sprintf("%s/%s/%s", base, s.cfg.Bucket, key)
}

func (s *RenditionStore) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.Timeout)
}

func isNoSuchKey(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.Code == "NoSuchKey"
}
