package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"postmedia/internal/config"
	"postmedia/internal/ids"
	"postmedia/internal/media/render"
	"postmedia/internal/media/validate"
	"postmedia/internal/metrics"
	"postmedia/internal/models"
	"postmedia/internal/moderation"
	"postmedia/internal/storage"
)

// PostDirectory is the external view of posts and their owners.
type PostDirectory interface {
	PostExists(ctx context.Context, postID string) (bool, error)
	CategoryOf(ctx context.Context, postID string) (string, error)
	VerifyOwner(ctx context.Context, userID, postID string) (bool, error)
}

type RenditionStore interface {
	PutSet(ctx context.Context, set render.Set) (storage.Placement, error)
	DeleteSet(ctx context.Context, keys []string) error
	RefreshURLs(ctx context.Context, record *models.ImageRecord) error
}

// RetryScheduler owes a moderation attempt to an image at a given time.
// Schedule replaces any earlier entry; Ensure only adds a missing one.
type RetryScheduler interface {
	Schedule(ctx context.Context, imageID string, due time.Time) error
	Ensure(ctx context.Context, imageID string, due time.Time) (bool, error)
}

type UploadInput struct {
	Caller       models.Caller
	PostID       string
	Filename     string
	DeclaredMIME string
	Content      []byte
	Size         int64
	ClientIP     string
	UserAgent    string
}

type Dependencies struct {
	Validator  *validate.Validator
	Renderer   *render.Renderer
	Store      RenditionStore
	Moderator  *moderation.Moderator
	Records    *RecordManager
	Posts      PostDirectory
	Retries    RetryScheduler
	Moderation config.ModerationConfig
	Storage    config.StorageConfig
	Metrics    *metrics.Metrics
	Log        zerolog.Logger
}

type Pipeline struct {
	validator      *validate.Validator
	renderer       *render.Renderer
	store          RenditionStore
	moderator      *moderation.Moderator
	records        *RecordManager
	posts          PostDirectory
	retries        RetryScheduler
	cfg            config.ModerationConfig
	cleanupTimeout time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
	now            func() time.Time
}

func NewPipeline(deps Dependencies) *Pipeline {
	cleanup := deps.Storage.Timeout
	if cleanup <= 0 {
		cleanup = 10 * time.Second
	}
	return &Pipeline{
		validator:      deps.Validator,
		renderer:       deps.Renderer,
		store:          deps.Store,
		moderator:      deps.Moderator,
		records:        deps.Records,
		posts:          deps.Posts,
		retries:        deps.Retries,
		cfg:            deps.Moderation,
		cleanupTimeout: cleanup,
		metrics:        deps.Metrics,
		log:            deps.Log,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Upload validates, renders, stores, moderates and records one image. Any
// failure after the renditions were written removes them again before the
// error is returned, so a failed upload leaves neither objects nor a record.
func (p *Pipeline) Upload(ctx context.Context, in UploadInput) (models.ImageRecord, error) {
	record, err := p.upload(ctx, in)
	if err != nil {
		appErr := models.AsError(err)
		p.metrics.Upload(string(appErr.Code))
		p.log.Warn().Err(err).
			Str("post_id", in.PostID).
			Str("user_id", in.Caller.UserID).
			Str("code", string(appErr.Code)).
			Msg("upload failed")
		return models.ImageRecord{}, appErr
	}
	p.metrics.Upload("ok")
	p.metrics.Decision(string(record.ModerationStatus))
	p.log.Info().
		Str("image_id", record.ID).
		Str("post_id", record.PostID).
		Str("user_id", record.UserID).
		Str("moderation", string(record.ModerationStatus)).
		Msg("image uploaded")
	return record, nil
}

func (p *Pipeline) upload(ctx context.Context, in UploadInput) (models.ImageRecord, error) {
	exists, err := p.posts.PostExists(ctx, in.PostID)
	if err != nil {
		return models.ImageRecord{}, models.NewInternalError(fmt.Errorf("post exists: %w", err))
	}
	if !exists {
		return models.ImageRecord{}, models.NewNotFoundError("post", in.PostID)
	}
	category, err := p.posts.CategoryOf(ctx, in.PostID)
	if err != nil {
		return models.ImageRecord{}, models.NewInternalError(fmt.Errorf("post category: %w", err))
	}

	var (
		imageID   = ids.New()
		accepted  validate.Accepted
		set       render.Set
		placement storage.Placement
		outcome   moderation.Outcome
		record    models.ImageRecord
	)

	s := &saga{cleanupTimeout: p.cleanupTimeout, metrics: p.metrics, log: p.log.With().Str("image_id", imageID).Logger()}
	s.steps = []step{
		{
			name: "validate",
			run: func(ctx context.Context) (err error) {
				accepted, err = p.validator.Validate(ctx, validate.Candidate{
					Filename:     in.Filename,
					DeclaredMIME: in.DeclaredMIME,
					Content:      in.Content,
					Size:         in.Size,
				}, validate.PostContext{UserID: in.Caller.UserID, PostID: in.PostID, Category: category})
				return err
			},
		},
		{
			name: "render",
			run: func(ctx context.Context) (err error) {
				set, err = p.renderer.Render(ctx, in.Content)
				return err
			},
		},
		{
			name: "store",
			run: func(ctx context.Context) (err error) {
				placement, err = p.store.PutSet(ctx, set)
				return err
			},
			undo: func(ctx context.Context) error {
				return p.store.DeleteSet(ctx, placement.Keys())
			},
		},
		{
			name: "moderate",
			run: func(ctx context.Context) error {
				full := placement.Renditions[models.RenditionFull]
				outcome = p.moderator.Moderate(ctx, moderation.Request{ImageID: imageID, Key: full.Key, URL: full.URL})
				return nil
			},
		},
		{
			name: "record",
			run: func(ctx context.Context) (err error) {
				record, err = p.records.Create(ctx, p.newRecord(imageID, in, accepted, placement, outcome), category)
				return err
			},
		},
	}

	if err := s.run(ctx); err != nil {
		return models.ImageRecord{}, err
	}

	if outcome.RetryOwed {
		p.scheduleRetry(ctx, record.ID, record.ModerationAttempts)
	}
	return record, nil
}

func (p *Pipeline) newRecord(id string, in UploadInput, accepted validate.Accepted, placement storage.Placement, outcome moderation.Outcome) models.ImageRecord {
	sum := blake2b.Sum256(in.Content)
	record := models.ImageRecord{
		ID:                id,
		PostID:            in.PostID,
		UserID:            in.Caller.UserID,
		OriginalFilename:  in.Filename,
		OriginalSize:      int64(len(in.Content)),
		DeclaredMIME:      accepted.MIME,
		Checksum:          sum[:],
		UploadIP:          in.ClientIP,
		UploadUserAgent:   in.UserAgent,
		ModerationStatus:  outcome.Status,
		ModerationDetails: outcome.Details,
	}
	for class, r := range placement.Renditions {
		record.SetRendition(class, r)
	}
	record.Width = record.Full.Width
	record.Height = record.Full.Height
	if outcome.Details.Enabled {
		record.ModerationAttempts = 1
	}
	if outcome.Status != models.ModerationPending {
		decided := p.now()
		record.ModeratedAt = &decided
	}
	return record
}

// Delete removes an image owned by the caller. Images of other users are
// reported as not found; admins may delete any image.
func (p *Pipeline) Delete(ctx context.Context, caller models.Caller, imageID string) error {
	if _, err := p.authorizeImage(ctx, caller, imageID); err != nil {
		return err
	}
	return p.records.Delete(ctx, imageID)
}

func (p *Pipeline) SetPrimary(ctx context.Context, caller models.Caller, imageID string) error {
	if _, err := p.authorizeImage(ctx, caller, imageID); err != nil {
		return err
	}
	return p.records.SetPrimary(ctx, imageID)
}

func (p *Pipeline) Reorder(ctx context.Context, caller models.Caller, postID string, ids []string) error {
	exists, err := p.posts.PostExists(ctx, postID)
	if err != nil {
		return models.NewInternalError(fmt.Errorf("post exists: %w", err))
	}
	if !exists {
		return models.NewNotFoundError("post", postID)
	}
	owner, err := p.posts.VerifyOwner(ctx, caller.UserID, postID)
	if err != nil {
		return models.NewInternalError(fmt.Errorf("verify owner: %w", err))
	}
	if !owner {
		return models.NewError(models.CodeNotOwner, "caller does not own the post").
			WithDetails(map[string]any{"post_id": postID})
	}
	return p.records.Reorder(ctx, postID, ids)
}

func (p *Pipeline) authorizeImage(ctx context.Context, caller models.Caller, imageID string) (models.ImageRecord, error) {
	record, err := p.records.Get(ctx, imageID)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if caller.Role == models.UserRoleAdmin {
		return record, nil
	}
	owner, err := p.posts.VerifyOwner(ctx, caller.UserID, record.PostID)
	if err != nil {
		return models.ImageRecord{}, models.NewInternalError(fmt.Errorf("verify owner: %w", err))
	}
	if !owner {
		return models.ImageRecord{}, models.NewNotFoundError("image", imageID)
	}
	return record, nil
}

// Get returns a visible image with fresh links.
func (p *Pipeline) Get(ctx context.Context, imageID string) (models.ImageRecord, error) {
	record, err := p.records.Get(ctx, imageID)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if !record.Visible() {
		return models.ImageRecord{}, models.NewNotFoundError("image", imageID)
	}
	if err := p.store.RefreshURLs(ctx, &record); err != nil {
		return models.ImageRecord{}, err
	}
	return record, nil
}

// Primary returns the visible primary image of a post with fresh links.
func (p *Pipeline) Primary(ctx context.Context, postID string) (models.ImageRecord, error) {
	record, err := p.records.Primary(ctx, postID)
	if err != nil {
		return models.ImageRecord{}, err
	}
	if err := p.store.RefreshURLs(ctx, &record); err != nil {
		return models.ImageRecord{}, err
	}
	return record, nil
}

func (p *Pipeline) ListVisible(ctx context.Context, postID string) ([]models.ImageRecord, error) {
	records, err := p.records.ListVisible(ctx, postID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if err := p.store.RefreshURLs(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

func (p *Pipeline) ReviewQueue(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ImageRecord, error) {
	records, err := p.records.ReviewQueue(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if err := p.store.RefreshURLs(ctx, &records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// ResolveModeration records a reviewer's decision on a pending or flagged image.
func (p *Pipeline) ResolveModeration(ctx context.Context, reviewer models.Caller, imageID string, status models.ModerationStatus, note string) (models.ImageRecord, error) {
	if status != models.ModerationApproved && status != models.ModerationRejected {
		return models.ImageRecord{}, models.NewError(models.CodeInvalidTransition, "reviewers can only approve or reject").
			WithDetails(map[string]any{"to": status})
	}
	record, err := p.records.Get(ctx, imageID)
	if err != nil {
		return models.ImageRecord{}, err
	}

	now := p.now()
	details := record.ModerationDetails
	details.DecidedAt = &now
	details.DecidedBy = reviewer.UserID
	details.Note = note

	updated, err := p.records.UpdateModeration(ctx, imageID, ModerationUpdate{Status: status, Details: details})
	if err != nil {
		return models.ImageRecord{}, err
	}
	p.metrics.Decision(string(status))
	p.log.Info().
		Str("image_id", imageID).
		Str("user_id", reviewer.UserID).
		Str("moderation", string(status)).
		Msg("moderation resolved by reviewer")
	return updated, nil
}

// RetryModeration runs one more classification for a PENDING image. Images
// that already left PENDING are skipped. When the attempts are exhausted the
// image is flagged for human review instead of being approved.
func (p *Pipeline) RetryModeration(ctx context.Context, imageID string) error {
	record, err := p.records.Get(ctx, imageID)
	if err != nil {
		if models.HasCode(err, models.CodeNotFound) {
			p.log.Debug().Str("image_id", imageID).Msg("retry for deleted image dropped")
			return nil
		}
		return err
	}
	if record.ModerationStatus != models.ModerationPending {
		return nil
	}

	// Links signed at upload may have expired by now.
	if err := p.store.RefreshURLs(ctx, &record); err != nil {
		p.log.Warn().Err(err).Str("image_id", imageID).Msg("refresh rendition urls failed")
	}
	outcome := p.moderator.Moderate(ctx, moderation.Request{ImageID: record.ID, Key: record.Full.Key, URL: record.Full.URL})
	attempt := record.ModerationAttempts + 1

	update := ModerationUpdate{Status: outcome.Status, Details: outcome.Details, CountAttempt: outcome.Details.Enabled}
	if outcome.RetryOwed && p.cfg.MaxAttempts > 0 && attempt >= p.cfg.MaxAttempts {
		now := p.now()
		update.Status = models.ModerationFlagged
		update.Details.DecidedAt = &now
		update.Details.DecidedBy = "system"
		update.Details.Note = fmt.Sprintf("classifier unavailable after %d attempts", attempt)
	}

	updated, err := p.records.UpdateModeration(ctx, imageID, update)
	if err != nil {
		return err
	}
	p.metrics.Decision(string(updated.ModerationStatus))

	if updated.ModerationStatus == models.ModerationPending {
		p.scheduleRetry(ctx, imageID, updated.ModerationAttempts)
	}
	p.log.Info().
		Str("image_id", imageID).
		Int("attempt", attempt).
		Str("moderation", string(updated.ModerationStatus)).
		Msg("moderation retried")
	return nil
}

// SweepPending re-registers retries for PENDING images that have not changed
// for staleAfter, in case their schedule entry was lost.
func (p *Pipeline) SweepPending(ctx context.Context, staleAfter time.Duration, batch int) (int, error) {
	stale, err := p.records.StalePending(ctx, p.now().Add(-staleAfter), batch)
	if err != nil {
		return 0, err
	}
	added := 0
	for _, r := range stale {
		ok, err := p.retries.Ensure(ctx, r.ID, p.now())
		if err != nil {
			return added, models.NewInternalError(fmt.Errorf("ensure retry %s: %w", r.ID, err))
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// RetryDelay is the wait before the attempt following attempt number n:
// the initial delay doubled per earlier attempt, capped at the maximum.
func (p *Pipeline) RetryDelay(n int) time.Duration {
	d := p.cfg.RetryInitial
	for i := 1; i < n; i++ {
		if p.cfg.RetryMax > 0 && d >= p.cfg.RetryMax {
			break
		}
		d *= 2
	}
	if p.cfg.RetryMax > 0 && d > p.cfg.RetryMax {
		d = p.cfg.RetryMax
	}
	return d
}

func (p *Pipeline) scheduleRetry(ctx context.Context, imageID string, attempts int) {
	if p.retries == nil {
		return
	}
	due := p.now().Add(p.RetryDelay(attempts))
	if err := p.retries.Schedule(context.WithoutCancel(ctx), imageID, due); err != nil {
		// The sweep job picks the image up again once it is stale.
		p.log.Error().Err(err).Str("image_id", imageID).Msg("schedule moderation retry failed")
		return
	}
	p.log.Debug().Str("image_id", imageID).Time("due", due).Msg("moderation retry scheduled")
}
