package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"postmedia/internal/models"
	"postmedia/internal/repository"
)

// MemoryRecordStore is an in-memory repository.RecordStore. Post locks are
// real mutexes and a transaction only publishes its writes when fn succeeds,
// so rollback and serialisation behave like the Postgres store. Commits are
// checked against the same uniqueness rules the schema enforces.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]models.ImageRecord

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// LockErr fails every WithPostLock call before fn runs.
	LockErr error
	// UpdateErr fails every Update issued inside a transaction.
	UpdateErr error
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]models.ImageRecord),
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *MemoryRecordStore) postLock(postID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[postID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[postID] = l
	}
	return l
}

func (s *MemoryRecordStore) WithPostLock(ctx context.Context, postID string, fn func(tx repository.RecordTx) error) error {
	if s.LockErr != nil {
		return s.LockErr
	}
	l := s.postLock(postID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{postID: postID, staged: make(map[string]models.ImageRecord), updateErr: s.UpdateErr}
	s.mu.RLock()
	for id, r := range s.records {
		if r.PostID == postID {
			tx.staged[id] = r
		}
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := checkPost(tx.staged); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if r.PostID == postID {
			delete(s.records, id)
		}
	}
	for id, r := range tx.staged {
		s.records[id] = r
	}
	return nil
}

func checkPost(records map[string]models.ImageRecord) error {
	orders := make(map[int]string, len(records))
	primaries := 0
	for id, r := range records {
		if other, ok := orders[r.DisplayOrder]; ok {
			return fmt.Errorf("display_order %d shared by %s and %s", r.DisplayOrder, other, id)
		}
		orders[r.DisplayOrder] = id
		if r.IsPrimary {
			primaries++
		}
	}
	if primaries > 1 {
		return fmt.Errorf("%d primary images in one post", primaries)
	}
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id string) (models.ImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return models.ImageRecord{}, repository.ErrImageNotFound
	}
	return r, nil
}

func (s *MemoryRecordStore) ListByPost(_ context.Context, postID string) ([]models.ImageRecord, error) {
	return s.filter(func(r models.ImageRecord) bool { return r.PostID == postID }, byDisplayOrder, 0), nil
}

func (s *MemoryRecordStore) CountByPost(ctx context.Context, postID string) (int, error) {
	records, _ := s.ListByPost(ctx, postID)
	return len(records), nil
}

func (s *MemoryRecordStore) ListByStatus(_ context.Context, status models.ModerationStatus, limit int) ([]models.ImageRecord, error) {
	return s.filter(func(r models.ImageRecord) bool { return r.ModerationStatus == status }, byCreatedAt, limit), nil
}

func (s *MemoryRecordStore) ListStale(_ context.Context, status models.ModerationStatus, before time.Time, limit int) ([]models.ImageRecord, error) {
	return s.filter(func(r models.ImageRecord) bool {
		return r.ModerationStatus == status && r.UpdatedAt.Before(before)
	}, byUpdatedAt, limit), nil
}

// Put stores a record directly, bypassing the post lock. For test setup.
func (s *MemoryRecordStore) Put(record models.ImageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
}

func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryRecordStore) filter(keep func(models.ImageRecord) bool, less func(a, b models.ImageRecord) bool, limit int) []models.ImageRecord {
	s.mu.RLock()
	var out []models.ImageRecord
	for _, r := range s.records {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byDisplayOrder(a, b models.ImageRecord) bool { return a.DisplayOrder < b.DisplayOrder }

func byCreatedAt(a, b models.ImageRecord) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func byUpdatedAt(a, b models.ImageRecord) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID < b.ID
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}

type memoryTx struct {
	postID    string
	staged    map[string]models.ImageRecord
	updateErr error
}

func (t *memoryTx) ListByPost(_ context.Context, postID string) ([]models.ImageRecord, error) {
	if postID != t.postID {
		return nil, fmt.Errorf("transaction holds post %s, not %s", t.postID, postID)
	}
	out := make([]models.ImageRecord, 0, len(t.staged))
	for _, r := range t.staged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out, nil
}

func (t *memoryTx) Insert(_ context.Context, record models.ImageRecord) error {
	if record.PostID != t.postID {
		return fmt.Errorf("transaction holds post %s, not %s", t.postID, record.PostID)
	}
	if _, exists := t.staged[record.ID]; exists {
		return fmt.Errorf("duplicate image id %s", record.ID)
	}
	t.staged[record.ID] = record
	return nil
}

func (t *memoryTx) Update(_ context.Context, record models.ImageRecord) error {
	if t.updateErr != nil {
		return t.updateErr
	}
	current, ok := t.staged[record.ID]
	if !ok {
		return repository.ErrImageNotFound
	}
	current.IsPrimary = record.IsPrimary
	current.DisplayOrder = record.DisplayOrder
	current.ModerationStatus = record.ModerationStatus
	current.ModerationDetails = record.ModerationDetails
	current.ModerationAttempts = record.ModerationAttempts
	current.ModeratedAt = record.ModeratedAt
	for _, class := range models.RenditionClasses {
		r := current.Rendition(class)
		r.URL = record.Rendition(class).URL
		current.SetRendition(class, r)
	}
	current.UpdatedAt = record.UpdatedAt
	t.staged[record.ID] = current
	return nil
}

func (t *memoryTx) Delete(_ context.Context, id string) error {
	if _, ok := t.staged[id]; !ok {
		return repository.ErrImageNotFound
	}
	delete(t.staged, id)
	return nil
}
