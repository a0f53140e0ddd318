package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"postmedia/internal/models"
)

const imageColumns = `
	id, post_id, user_id, original_filename, original_size, declared_mime, checksum,
	upload_ip, upload_user_agent, thumbnail_key, medium_key, full_key, renditions,
	width, height, is_primary, display_order, moderation_status, moderation_details,
	moderation_attempts, moderated_at, created_at, updated_at`

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ImageRepository struct {
	pool *pgxpool.Pool
}

func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

// WithPostLock runs fn in a transaction holding a transaction-scoped advisory
// lock keyed by the post id. The lock is released on commit or rollback.
func (r *ImageRepository) WithPostLock(ctx context.Context, postID string, fn func(tx RecordTx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, postID); err != nil {
			return fmt.Errorf("lock post %s: %w", postID, err)
		}
		return fn(&imageTx{q: tx})
	})
}

func (r *ImageRepository) Get(ctx context.Context, id string) (models.ImageRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM post_images WHERE id = $1`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ImageRecord{}, ErrImageNotFound
		}
		return models.ImageRecord{}, err
	}
	return record, nil
}

func (r *ImageRepository) ListByPost(ctx context.Context, postID string) ([]models.ImageRecord, error) {
	return listByPost(ctx, r.pool, postID)
}

func (r *ImageRepository) CountByPost(ctx context.Context, postID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM post_images WHERE post_id = $1`, postID).Scan(&count)
	return count, err
}

func (r *ImageRepository) ListByStatus(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ImageRecord, error) {
	const query = `SELECT ` + imageColumns + `
		FROM post_images
		WHERE moderation_status = $1
		ORDER BY created_at ASC
		LIMIT $2`
	return collect(r.pool.Query(ctx, query, status, limit))
}

func (r *ImageRepository) ListStale(ctx context.Context, status models.ModerationStatus, before time.Time, limit int) ([]models.ImageRecord, error) {
	const query = `SELECT ` + imageColumns + `
		FROM post_images
		WHERE moderation_status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3`
	return collect(r.pool.Query(ctx, query, status, before, limit))
}

type imageTx struct {
	q querier
}

func (t *imageTx) ListByPost(ctx context.Context, postID string) ([]models.ImageRecord, error) {
	return listByPost(ctx, t.q, postID)
}

func (t *imageTx) Insert(ctx context.Context, record models.ImageRecord) error {
	const query = `
		INSERT INTO post_images (
			id, post_id, user_id, original_filename, original_size, declared_mime, checksum,
			upload_ip, upload_user_agent, thumbnail_key, medium_key, full_key, renditions,
			width, height, is_primary, display_order, moderation_status, moderation_details,
			moderation_attempts, moderated_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23
		)
	`
	renditions, details, err := encodeBlobs(record)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx, query,
		record.ID,
		record.PostID,
		record.UserID,
		record.OriginalFilename,
		record.OriginalSize,
		record.DeclaredMIME,
		record.Checksum,
		record.UploadIP,
		record.UploadUserAgent,
		record.Thumbnail.Key,
		record.Medium.Key,
		record.Full.Key,
		renditions,
		record.Width,
		record.Height,
		record.IsPrimary,
		record.DisplayOrder,
		record.ModerationStatus,
		details,
		record.ModerationAttempts,
		record.ModeratedAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	return err
}

// Update writes the mutable fields of a record: display state, moderation
// state and rendition links.
func (t *imageTx) Update(ctx context.Context, record models.ImageRecord) error {
	const query = `
		UPDATE post_images
		SET is_primary = $2,
		    display_order = $3,
		    moderation_status = $4,
		    moderation_details = $5,
		    moderation_attempts = $6,
		    moderated_at = $7,
		    renditions = $8,
		    updated_at = $9
		WHERE id = $1
	`
	renditions, details, err := encodeBlobs(record)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, query,
		record.ID,
		record.IsPrimary,
		record.DisplayOrder,
		record.ModerationStatus,
		details,
		record.ModerationAttempts,
		record.ModeratedAt,
		renditions,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

func (t *imageTx) Delete(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM post_images WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

func listByPost(ctx context.Context, q querier, postID string) ([]models.ImageRecord, error) {
	const query = `SELECT ` + imageColumns + `
		FROM post_images
		WHERE post_id = $1
		ORDER BY display_order ASC`
	return collect(q.Query(ctx, query, postID))
}

func collect(rows pgx.Rows, err error) ([]models.ImageRecord, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ImageRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(row pgx.Row) (models.ImageRecord, error) {
	var (
		record     models.ImageRecord
		renditions []byte
		details    []byte
		thumbKey   string
		mediumKey  string
		fullKey    string
	)
	if err := row.Scan(
		&record.ID,
		&record.PostID,
		&record.UserID,
		&record.OriginalFilename,
		&record.OriginalSize,
		&record.DeclaredMIME,
		&record.Checksum,
		&record.UploadIP,
		&record.UploadUserAgent,
		&thumbKey,
		&mediumKey,
		&fullKey,
		&renditions,
		&record.Width,
		&record.Height,
		&record.IsPrimary,
		&record.DisplayOrder,
		&record.ModerationStatus,
		&details,
		&record.ModerationAttempts,
		&record.ModeratedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return models.ImageRecord{}, err
	}

	stored := map[models.RenditionClass]models.Rendition{}
	if len(renditions) > 0 {
		if err := json.Unmarshal(renditions, &stored); err != nil {
			return models.ImageRecord{}, fmt.Errorf("decode renditions of %s: %w", record.ID, err)
		}
	}
	for class, key := range map[models.RenditionClass]string{
		models.RenditionThumbnail: thumbKey,
		models.RenditionMedium:    mediumKey,
		models.RenditionFull:      fullKey,
	} {
		r := stored[class]
		r.Key = key
		record.SetRendition(class, r)
	}

	if len(details) > 0 {
		if err := json.Unmarshal(details, &record.ModerationDetails); err != nil {
			return models.ImageRecord{}, fmt.Errorf("decode moderation details of %s: %w", record.ID, err)
		}
	}
	return record, nil
}

func encodeBlobs(record models.ImageRecord) ([]byte, []byte, error) {
	stored := make(map[models.RenditionClass]models.Rendition, len(models.RenditionClasses))
	for _, class := range models.RenditionClasses {
		stored[class] = record.Rendition(class)
	}
	renditions, err := json.Marshal(stored)
	if err != nil {
		return nil, nil, fmt.Errorf("encode renditions: %w", err)
	}
	details, err := json.Marshal(record.ModerationDetails)
	if err != nil {
		return nil, nil, fmt.Errorf("encode moderation details: %w", err)
	}
	return renditions, details, nil
}
