package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const categoryLimitPrefix = "postmedia:category-limit:"

// LimitSource is the authoritative category limit lookup.
type LimitSource interface {
	MaxImagesForCategory(ctx context.Context, category string) (int, error)
}

// CategoryLimitCache keeps category limits in Redis for a short TTL. A Redis
// outage degrades to reading the source directly.
type CategoryLimitCache struct {
	client *redis.Client
	source LimitSource
	ttl    time.Duration
	log    zerolog.Logger
}

func NewCategoryLimitCache(client *redis.Client, source LimitSource, ttl time.Duration, log zerolog.Logger) *CategoryLimitCache {
	return &CategoryLimitCache{client: client, source: source, ttl: ttl, log: log}
}

func (c *CategoryLimitCache) MaxImagesForCategory(ctx context.Context, category string) (int, error) {
	key := categoryLimitPrefix + category

	cached, err := c.client.Get(ctx, key).Int()
	switch {
	case err == nil:
		return cached, nil
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("category", category).Msg("category limit cache read failed")
	}

	limit, err := c.source.MaxImagesForCategory(ctx, category)
	if err != nil {
		return 0, err
	}
	if err := c.client.Set(ctx, key, strconv.Itoa(limit), c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("category", category).Msg("category limit cache write failed")
	}
	return limit, nil
}

func (c *CategoryLimitCache) Invalidate(ctx context.Context, category string) error {
	return c.client.Del(ctx, categoryLimitPrefix+category).Err()
}
