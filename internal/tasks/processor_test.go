package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postmedia/internal/queue"
)

type recordingRetrier struct {
	ids []string
	err error
}

func (r *recordingRetrier) RetryModeration(_ context.Context, imageID string) error {
	r.ids = append(r.ids, imageID)
	return r.err
}

type recordingTracker struct {
	done []string
}

func (r *recordingTracker) Done(_ context.Context, imageID string) error {
	r.done = append(r.done, imageID)
	return nil
}

func TestProcessorDispatchesModerationRetry(t *testing.T) {
	retrier := &recordingRetrier{}
	tracker := &recordingTracker{}
	p := NewProcessor(retrier, tracker, zerolog.Nop())

	err := p.Handle(context.Background(), redis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"type":    queue.TaskModerationRetry,
		"imageId": "img-1",
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"img-1"}, retrier.ids)
	assert.Equal(t, []string{"img-1"}, tracker.done)
}

func TestProcessorErrors(t *testing.T) {
	retrier := &recordingRetrier{err: errors.New("db down")}
	tracker := &recordingTracker{}
	p := NewProcessor(retrier, tracker, zerolog.Nop())

	err := p.Handle(context.Background(), redis.XMessage{Values: map[string]interface{}{
		"type": queue.TaskModerationRetry, "imageId": "img-1",
	}})
	assert.ErrorContains(t, err, "db down")

	err = p.Handle(context.Background(), redis.XMessage{Values: map[string]interface{}{
		"type": queue.TaskModerationRetry,
	}})
	assert.Error(t, err)

	err = p.Handle(context.Background(), redis.XMessage{Values: map[string]interface{}{"type": "ingest"}})
	assert.NoError(t, err)
	assert.Len(t, retrier.ids, 1)
	assert.Empty(t, tracker.done, "failed retries stay in flight until reclaimed")
}

func TestProcessorWithoutTracker(t *testing.T) {
	retrier := &recordingRetrier{}
	p := NewProcessor(retrier, nil, zerolog.Nop())
	require.NoError(t, p.Handle(context.Background(), redis.XMessage{Values: map[string]interface{}{
		"type": queue.TaskModerationRetry, "imageId": "img-9",
	}}))
	assert.Equal(t, []string{"img-9"}, retrier.ids)
}
