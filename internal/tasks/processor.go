package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postmedia/internal/queue"
)

// ModerationRetrier runs an owed moderation attempt for one image.
type ModerationRetrier interface {
	RetryModeration(ctx context.Context, imageID string) error
}

// RetryTracker forgets a promoted retry once it was handled.
type RetryTracker interface {
	Done(ctx context.Context, imageID string) error
}

type Processor struct {
	retrier ModerationRetrier
	tracker RetryTracker
	logger  zerolog.Logger
}

type TaskPayload struct {
	Type    string `json:"type"`
	ImageID string `json:"imageId"`
}

func NewProcessor(retrier ModerationRetrier, tracker RetryTracker, logger zerolog.Logger) *Processor {
	return &Processor{
		retrier: retrier,
		tracker: tracker,
		logger:  logger,
	}
}

// Handle dispatches a stream message by its type. Unknown types are dropped
// so they do not block the group.
func (p *Processor) Handle(ctx context.Context, msg redis.XMessage) error {
	var payload TaskPayload
	if err := decodePayload(msg.Values, &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	switch payload.Type {
	case queue.TaskModerationRetry:
		return p.handleModerationRetry(ctx, payload)
	default:
		p.logger.Warn().Str("type", payload.Type).Str("message_id", msg.ID).Msg("unknown task type")
		return nil
	}
}

func decodePayload(values map[string]interface{}, out *TaskPayload) error {
	bytes, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, out)
}

func (p *Processor) handleModerationRetry(ctx context.Context, payload TaskPayload) error {
	if payload.ImageID == "" {
		return errors.New("moderation retry without image id")
	}
	if err := p.retrier.RetryModeration(ctx, payload.ImageID); err != nil {
		return fmt.Errorf("retry moderation %s: %w", payload.ImageID, err)
	}
	if p.tracker != nil {
		if err := p.tracker.Done(ctx, payload.ImageID); err != nil {
			// The marker expires on its own; only the sweep is delayed.
			p.logger.Warn().Err(err).Str("image_id", payload.ImageID).Msg("clear in-flight retry failed")
		}
	}
	p.logger.Debug().Str("image_id", payload.ImageID).Msg("moderation retry processed")
	return nil
}
