package moderation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"postmedia/internal/config"
	"postmedia/internal/models"
)

// Outcome is what the pipeline records for one moderation attempt. When
// RetryOwed is set the status is PENDING and another attempt must be scheduled.
type Outcome struct {
	Status    models.ModerationStatus
	Details   models.ModerationDetails
	RetryOwed bool
}

type Moderator struct {
	classifier Classifier
	enabled    bool
	timeout    time.Duration
	thresholds models.ModerationThresholds
	log        zerolog.Logger
	now        func() time.Time
}

func NewModerator(classifier Classifier, cfg config.ModerationConfig, log zerolog.Logger) *Moderator {
	return &Moderator{
		classifier: classifier,
		enabled:    cfg.Enabled,
		timeout:    cfg.Timeout,
		thresholds: models.ModerationThresholds{Reject: cfg.RejectThreshold, Review: cfg.ReviewThreshold},
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Moderate never fails the caller. A classifier error, a timeout or a response
// without any known category score yields PENDING so the image stays hidden
// until a later attempt decides.
func (m *Moderator) Moderate(ctx context.Context, req Request) Outcome {
	now := m.now()
	details := models.ModerationDetails{Enabled: m.enabled, Thresholds: m.thresholds}

	if !m.enabled || m.classifier == nil {
		details.DecidedAt = &now
		details.DecidedBy = "system"
		details.Note = "moderation disabled"
		return Outcome{Status: models.ModerationApproved, Details: details}
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	scores, err := m.classifier.Classify(ctx, req)
	if err == nil && !known(scores) {
		err = errNoScores
	}
	if err != nil {
		m.log.Warn().Err(err).Str("image_id", req.ImageID).Msg("moderation call failed")
		details.LastError = err.Error()
		return Outcome{Status: models.ModerationPending, Details: details, RetryOwed: true}
	}

	decision := Decide(scores, m.thresholds)
	details.Scores = scores
	details.MaxScore = decision.MaxScore
	details.MaxLabel = decision.MaxLabel
	details.DecidedAt = &now
	details.DecidedBy = "classifier"
	return Outcome{Status: decision.Status, Details: details}
}
