package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"postmedia/internal/media/validate"
	"postmedia/internal/models"
	"postmedia/internal/repository"
)

const (
	DefaultQueueLimit = 50
	MaxQueueLimit     = 100
)

// ObjectRemover deletes stored renditions. Deleting a missing key succeeds.
type ObjectRemover interface {
	DeleteSet(ctx context.Context, keys []string) error
}

type ModerationUpdate struct {
	Status  models.ModerationStatus
	Details models.ModerationDetails
	// CountAttempt records one more call to the classifier.
	CountAttempt bool
}

// RecordManager owns image records and keeps the per-post ordering and
// primary invariants. Every mutation runs under the post's lock.
type RecordManager struct {
	store   repository.RecordStore
	policy  validate.CategoryPolicy
	objects ObjectRemover
	log     zerolog.Logger
	now     func() time.Time
}

func NewRecordManager(store repository.RecordStore, policy validate.CategoryPolicy, objects ObjectRemover, log zerolog.Logger) *RecordManager {
	return &RecordManager{
		store:   store,
		policy:  policy,
		objects: objects,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create appends record to its post. The first image of a post becomes
// primary at position 0. The category limit is checked again under the lock
// because uploads to the same post validate concurrently.
func (m *RecordManager) Create(ctx context.Context, record models.ImageRecord, category string) (models.ImageRecord, error) {
	limit, err := m.policy.MaxImagesForCategory(ctx, category)
	if err != nil {
		return models.ImageRecord{}, models.NewInternalError(fmt.Errorf("category limit: %w", err))
	}

	err = m.store.WithPostLock(ctx, record.PostID, func(tx repository.RecordTx) error {
		existing, err := tx.ListByPost(ctx, record.PostID)
		if err != nil {
			return err
		}
		if len(existing) >= limit {
			return validate.CategoryLimitError(category, limit, len(existing))
		}

		record.IsPrimary = true
		record.DisplayOrder = 0
		for _, r := range existing {
			if r.IsPrimary {
				record.IsPrimary = false
			}
			if r.DisplayOrder >= record.DisplayOrder {
				record.DisplayOrder = r.DisplayOrder + 1
			}
		}

		now := m.now()
		record.CreatedAt = now
		record.UpdatedAt = now
		return tx.Insert(ctx, record)
	})
	if err != nil {
		return models.ImageRecord{}, storeError(err, record.ID)
	}
	return record, nil
}

func (m *RecordManager) SetPrimary(ctx context.Context, imageID string) error {
	record, err := m.Get(ctx, imageID)
	if err != nil {
		return err
	}

	err = m.store.WithPostLock(ctx, record.PostID, func(tx repository.RecordTx) error {
		current, err := tx.ListByPost(ctx, record.PostID)
		if err != nil {
			return err
		}
		if indexOf(current, imageID) < 0 {
			return repository.ErrImageNotFound
		}

		next := clone(current)
		for i := range next {
			next[i].IsPrimary = next[i].ID == imageID
		}
		return m.saveChanges(ctx, tx, current, next)
	})
	return storeError(err, imageID)
}

// Reorder rewrites display_order to match the position of each id in ids.
// ids must be exactly the post's current image set.
func (m *RecordManager) Reorder(ctx context.Context, postID string, ids []string) error {
	err := m.store.WithPostLock(ctx, postID, func(tx repository.RecordTx) error {
		current, err := tx.ListByPost(ctx, postID)
		if err != nil {
			return err
		}
		if err := checkReorderSet(current, ids); err != nil {
			return err
		}

		position := make(map[string]int, len(ids))
		for i, id := range ids {
			position[id] = i
		}
		next := clone(current)
		for i := range next {
			next[i].DisplayOrder = position[next[i].ID]
		}
		return m.saveChanges(ctx, tx, current, next)
	})
	return storeError(err, postID)
}

func checkReorderSet(current []models.ImageRecord, ids []string) error {
	invalid := func(reason string) error {
		return models.NewError(models.CodeInvalidReorderSet, reason).
			WithDetails(map[string]any{"expected": len(current), "received": len(ids)})
	}
	if len(ids) != len(current) {
		return invalid("reorder must list every image of the post exactly once")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return invalid(fmt.Sprintf("image %s listed more than once", id))
		}
		seen[id] = struct{}{}
		if indexOf(current, id) < 0 {
			return invalid(fmt.Sprintf("image %s does not belong to the post", id))
		}
	}
	return nil
}

// UpdateModeration applies a status transition allowed by the moderation
// state machine. PENDING to PENDING is accepted so retries can record their
// attempts.
func (m *RecordManager) UpdateModeration(ctx context.Context, imageID string, update ModerationUpdate) (models.ImageRecord, error) {
	record, err := m.Get(ctx, imageID)
	if err != nil {
		return models.ImageRecord{}, err
	}

	var updated models.ImageRecord
	err = m.store.WithPostLock(ctx, record.PostID, func(tx repository.RecordTx) error {
		current, err := tx.ListByPost(ctx, record.PostID)
		if err != nil {
			return err
		}
		i := indexOf(current, imageID)
		if i < 0 {
			return repository.ErrImageNotFound
		}
		target := current[i]
		if !target.ModerationStatus.CanTransition(update.Status) {
			return models.NewError(models.CodeInvalidTransition,
				fmt.Sprintf("moderation status cannot move from %s to %s", target.ModerationStatus, update.Status)).
				WithDetails(map[string]any{"from": target.ModerationStatus, "to": update.Status})
		}

		now := m.now()
		target.ModerationStatus = update.Status
		target.ModerationDetails = update.Details
		if update.CountAttempt {
			target.ModerationAttempts++
		}
		if update.Status != models.ModerationPending {
			target.ModeratedAt = &now
		}
		target.UpdatedAt = now
		if err := tx.Update(ctx, target); err != nil {
			return err
		}
		updated = target
		return nil
	})
	if err != nil {
		return models.ImageRecord{}, storeError(err, imageID)
	}
	return updated, nil
}

// Delete drops the record, compacts the remaining images and promotes the
// lowest one to primary if needed. The renditions are removed last, still
// inside the transaction, so a storage failure rolls the record back and a
// failed row update never leaves a record without its objects.
func (m *RecordManager) Delete(ctx context.Context, imageID string) error {
	record, err := m.Get(ctx, imageID)
	if err != nil {
		return err
	}

	err = m.store.WithPostLock(ctx, record.PostID, func(tx repository.RecordTx) error {
		current, err := tx.ListByPost(ctx, record.PostID)
		if err != nil {
			return err
		}
		i := indexOf(current, imageID)
		if i < 0 {
			return repository.ErrImageNotFound
		}

		if err := tx.Delete(ctx, imageID); err != nil {
			return err
		}

		remaining := append(clone(current[:i]), current[i+1:]...)
		next := clone(remaining)
		hasPrimary := false
		for j := range next {
			next[j].DisplayOrder = j
			hasPrimary = hasPrimary || next[j].IsPrimary
		}
		if !hasPrimary && len(next) > 0 {
			next[0].IsPrimary = true
		}
		if err := m.saveChanges(ctx, tx, remaining, next); err != nil {
			return err
		}
		return m.objects.DeleteSet(ctx, current[i].StorageKeys())
	})
	if err != nil {
		return storeError(err, imageID)
	}
	m.log.Info().Str("image_id", imageID).Str("post_id", record.PostID).Msg("image deleted")
	return nil
}

func (m *RecordManager) Get(ctx context.Context, imageID string) (models.ImageRecord, error) {
	record, err := m.store.Get(ctx, imageID)
	if err != nil {
		return models.ImageRecord{}, storeError(err, imageID)
	}
	return record, nil
}

// ListVisible returns the images consumers may see, in display order.
func (m *RecordManager) ListVisible(ctx context.Context, postID string) ([]models.ImageRecord, error) {
	records, err := m.store.ListByPost(ctx, postID)
	if err != nil {
		return nil, storeError(err, postID)
	}
	visible := make([]models.ImageRecord, 0, len(records))
	for _, r := range records {
		if r.Visible() {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

func (m *RecordManager) Primary(ctx context.Context, postID string) (models.ImageRecord, error) {
	visible, err := m.ListVisible(ctx, postID)
	if err != nil {
		return models.ImageRecord{}, err
	}
	for _, r := range visible {
		if r.IsPrimary {
			return r, nil
		}
	}
	return models.ImageRecord{}, models.NewNotFoundError("primary image of post", postID)
}

// ReviewQueue lists images in status, oldest first. Unknown statuses fall
// back to the flagged queue.
func (m *RecordManager) ReviewQueue(ctx context.Context, status models.ModerationStatus, limit int) ([]models.ImageRecord, error) {
	if !status.Valid() {
		status = models.ModerationFlagged
	}
	switch {
	case limit <= 0:
		limit = DefaultQueueLimit
	case limit > MaxQueueLimit:
		limit = MaxQueueLimit
	}
	records, err := m.store.ListByStatus(ctx, status, limit)
	if err != nil {
		return nil, storeError(err, string(status))
	}
	return records, nil
}

// StalePending lists PENDING images last modified before the given time.
func (m *RecordManager) StalePending(ctx context.Context, before time.Time, limit int) ([]models.ImageRecord, error) {
	records, err := m.store.ListStale(ctx, models.ModerationPending, before, limit)
	if err != nil {
		return nil, models.NewInternalError(fmt.Errorf("list stale pending: %w", err))
	}
	return records, nil
}

// saveChanges writes the records whose display state differs between before
// and after. Records losing primary are written first so that at no point
// two rows of a post are primary.
func (m *RecordManager) saveChanges(ctx context.Context, tx repository.RecordTx, before, after []models.ImageRecord) error {
	previous := make(map[string]models.ImageRecord, len(before))
	for _, r := range before {
		previous[r.ID] = r
	}

	var changed []models.ImageRecord
	for _, r := range after {
		old, ok := previous[r.ID]
		if ok && old.IsPrimary == r.IsPrimary && old.DisplayOrder == r.DisplayOrder {
			continue
		}
		r.UpdatedAt = m.now()
		changed = append(changed, r)
	}
	sort.SliceStable(changed, func(i, j int) bool { return !changed[i].IsPrimary && changed[j].IsPrimary })

	for _, r := range changed {
		if err := tx.Update(ctx, r); err != nil {
			return fmt.Errorf("update %s: %w", r.ID, err)
		}
	}
	return nil
}

func storeError(err error, id string) error {
	if err == nil {
		return nil
	}
	var appErr *models.Error
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repository.ErrImageNotFound):
		return models.NewNotFoundError("image", id)
	case errors.Is(err, repository.ErrPostNotFound):
		return models.NewNotFoundError("post", id)
	default:
		return models.NewInternalError(err)
	}
}

func indexOf(records []models.ImageRecord, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func clone(records []models.ImageRecord) []models.ImageRecord {
	out := make([]models.ImageRecord, len(records))
	copy(out, records)
	return out
}
