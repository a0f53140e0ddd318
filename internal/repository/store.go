package repository

import (
	"context"
	"errors"
	"time"

	"postmedia/internal/models"
)

var (
	ErrImageNotFound = errors.New("image not found")
	ErrPostNotFound  = errors.New("post not found")
)

// RecordTx reads and writes the image records of a single post while the
// post's lock is held. Writes become visible together on commit.
type RecordTx interface {
	ListByPost(ctx context.Context, postID string) ([]models.ImageRecord, error)
	Insert(ctx context.Context, record models.ImageRecord) error
	Update(ctx context.Context, record models.ImageRecord) error
	Delete(ctx context.Context, id string) error
}

// RecordStore persists image records. Mutations of a post's records go
// through WithPostLock so that operations on the same post are serialised;
// an error returned by fn discards every write fn made.
type RecordStore interface {
	WithPostLock(ctx context.Context, postID string, fn func(tx RecordTx) error) error
	Get(ctx context.Context, id string) (models.ImageRecord, error)
	ListByPost(ctx context.Context, postID string) ([]models.ImageRecord, error)
	CountByPost(ctx context.Context, postID string) (int, error)
	ListByStatus(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ImageRecord, error)
	ListStale(ctx context.Context, status models.ModerationStatus, before time.Time, limit int) ([]models.ImageRecord, error)
}
