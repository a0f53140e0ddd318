package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"postmedia/internal/models"
)

// PostRepository answers ownership and category questions about posts. Posts
// themselves are owned by another service; this package only reads them.
type PostRepository struct {
	pool         *pgxpool.Pool
	defaultLimit int
}

func NewPostRepository(pool *pgxpool.Pool, defaultLimit int) *PostRepository {
	return &PostRepository{pool: pool, defaultLimit: defaultLimit}
}

func (r *PostRepository) Get(ctx context.Context, postID string) (models.Post, error) {
	const query = `SELECT id, owner_id, category FROM posts WHERE id = $1`

	var post models.Post
	if err := r.pool.QueryRow(ctx, query, postID).Scan(&post.ID, &post.OwnerID, &post.Category); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Post{}, ErrPostNotFound
		}
		return models.Post{}, err
	}
	return post, nil
}

func (r *PostRepository) PostExists(ctx context.Context, postID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, postID).Scan(&exists)
	return exists, err
}

func (r *PostRepository) CategoryOf(ctx context.Context, postID string) (string, error) {
	post, err := r.Get(ctx, postID)
	if err != nil {
		return "", err
	}
	return post.Category, nil
}

func (r *PostRepository) VerifyOwner(ctx context.Context, userID, postID string) (bool, error) {
	post, err := r.Get(ctx, postID)
	if err != nil {
		if errors.Is(err, ErrPostNotFound) {
			return false, nil
		}
		return false, err
	}
	return post.OwnerID == userID, nil
}

// MaxImagesForCategory falls back to the configured default for categories
// without their own limit.
func (r *PostRepository) MaxImagesForCategory(ctx context.Context, category string) (int, error) {
	var limit int
	err := r.pool.QueryRow(ctx, `SELECT max_images FROM categories WHERE name = $1`, category).Scan(&limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.defaultLimit, nil
		}
		return 0, err
	}
	return limit, nil
}
