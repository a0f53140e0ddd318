package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	limits map[string]int
	calls  int
	err    error
}

func (s *countingSource) MaxImagesForCategory(_ context.Context, category string) (int, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.limits[category], nil
}

func newCache(t *testing.T, source LimitSource) (*CategoryLimitCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCategoryLimitCache(client, source, time.Minute, zerolog.Nop()), mr
}

func TestCategoryLimitCacheReadsThrough(t *testing.T) {
	source := &countingSource{limits: map[string]int{"vehicles": 12}}
	c, mr := newCache(t, source)
	ctx := context.Background()

	limit, err := c.MaxImagesForCategory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, 12, limit)

	limit, err = c.MaxImagesForCategory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, 12, limit)
	assert.Equal(t, 1, source.calls)

	mr.FastForward(2 * time.Minute)
	_, err = c.MaxImagesForCategory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)

	require.NoError(t, c.Invalidate(ctx, "vehicles"))
	_, err = c.MaxImagesForCategory(ctx, "vehicles")
	require.NoError(t, err)
	assert.Equal(t, 3, source.calls)
}

func TestCategoryLimitCacheSurvivesRedisOutage(t *testing.T) {
	source := &countingSource{limits: map[string]int{"general": 5}}
	c, mr := newCache(t, source)
	mr.Close()

	limit, err := c.MaxImagesForCategory(context.Background(), "general")
	require.NoError(t, err)
	assert.Equal(t, 5, limit)
}

func TestCategoryLimitCachePropagatesSourceErrors(t *testing.T) {
	source := &countingSource{err: errors.New("db down")}
	c, _ := newCache(t, source)

	_, err := c.MaxImagesForCategory(context.Background(), "general")
	require.Error(t, err)
}
