package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const TaskModerationRetry = "moderation.retry"

// RetryQueue keeps owed moderation attempts in a sorted set scored by due
// time. Promote moves due entries onto the work stream and marks them in
// flight until a worker calls Done or the marker expires.
type RetryQueue struct {
	client      *redis.Client
	set         string
	stream      string
	inflightTTL time.Duration
}

func NewRetryQueue(client *redis.Client, set, stream string, inflightTTL time.Duration) *RetryQueue {
	if inflightTTL <= 0 {
		inflightTTL = 30 * time.Minute
	}
	return &RetryQueue{client: client, set: set, stream: stream, inflightTTL: inflightTTL}
}

func (q *RetryQueue) inflightKey(imageID string) string {
	return q.set + ":inflight:" + imageID
}

func (q *RetryQueue) Schedule(ctx context.Context, imageID string, due time.Time) error {
	return q.client.ZAdd(ctx, q.set, redis.Z{Score: float64(due.UnixMilli()), Member: imageID}).Err()
}

// Ensure schedules imageID only if it is neither scheduled nor in flight and
// reports whether an entry was added.
func (q *RetryQueue) Ensure(ctx context.Context, imageID string, due time.Time) (bool, error) {
	inflight, err := q.client.Exists(ctx, q.inflightKey(imageID)).Result()
	if err != nil {
		return false, err
	}
	if inflight > 0 {
		return false, nil
	}
	added, err := q.client.ZAddNX(ctx, q.set, redis.Z{Score: float64(due.UnixMilli()), Member: imageID}).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// Promote publishes up to limit entries due at now. An entry is only
// published by the caller that removed it from the set, so concurrent
// promoters never publish the same entry twice.
func (q *RetryQueue) Promote(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.set, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range due retries: %w", err)
	}

	promoted := 0
	for _, imageID := range due {
		removed, err := q.client.ZRem(ctx, q.set, imageID).Result()
		if err != nil {
			return promoted, fmt.Errorf("claim retry %s: %w", imageID, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.Set(ctx, q.inflightKey(imageID), now.UnixMilli(), q.inflightTTL).Err(); err != nil {
			_ = q.Schedule(ctx, imageID, now)
			return promoted, fmt.Errorf("mark retry %s in flight: %w", imageID, err)
		}
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream,
			Values: map[string]any{
				"type":    TaskModerationRetry,
				"imageId": imageID,
			},
		}).Err(); err != nil {
			// Put it back so the next run retries the publish.
			_ = q.client.Del(ctx, q.inflightKey(imageID)).Err()
			_ = q.Schedule(ctx, imageID, now)
			return promoted, fmt.Errorf("publish retry %s: %w", imageID, err)
		}
		promoted++
	}
	return promoted, nil
}

// Done clears the in-flight marker once a promoted retry was handled.
func (q *RetryQueue) Done(ctx context.Context, imageID string) error {
	return q.client.Del(ctx, q.inflightKey(imageID)).Err()
}
