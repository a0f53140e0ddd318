package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		name       TEXT PRIMARY KEY,
		max_images INTEGER NOT NULL CHECK (max_images > 0)
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL,
		category   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS post_images (
		id                  TEXT PRIMARY KEY,
		post_id             TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		user_id             TEXT NOT NULL,
		original_filename   TEXT NOT NULL,
		original_size       BIGINT NOT NULL,
		declared_mime       TEXT NOT NULL,
		checksum            BYTEA,
		upload_ip           TEXT NOT NULL DEFAULT '',
		upload_user_agent   TEXT NOT NULL DEFAULT '',
		thumbnail_key       TEXT NOT NULL,
		medium_key          TEXT NOT NULL,
		full_key            TEXT NOT NULL,
		renditions          JSONB NOT NULL DEFAULT '{}'::jsonb,
		width               INTEGER NOT NULL,
		height              INTEGER NOT NULL,
		is_primary          BOOLEAN NOT NULL DEFAULT FALSE,
		display_order       INTEGER NOT NULL,
		moderation_status   TEXT NOT NULL DEFAULT 'pending',
		moderation_details  JSONB NOT NULL DEFAULT '{}'::jsonb,
		moderation_attempts INTEGER NOT NULL DEFAULT 0,
		moderated_at        TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT post_images_order_unique UNIQUE (post_id, display_order) DEFERRABLE INITIALLY DEFERRED
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS post_images_one_primary ON post_images (post_id) WHERE is_primary`,
	`CREATE INDEX IF NOT EXISTS post_images_moderation_idx ON post_images (moderation_status, created_at)`,
}

func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
