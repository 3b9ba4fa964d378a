package prescription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps records in process memory. Callers always receive
// copies, so mutations outside Update never leak into the store.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryRepository) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if _, exists := m.records[r.ID]; exists {
		return fmt.Errorf("prescription %s already exists", r.ID)
	}
	m.records[r.ID] = r.clone()
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryRepository) Update(_ context.Context, id uuid.UUID, fn func(r *Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := current.clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	// Content, identity and creation time are write-once.
	working.ID = current.ID
	working.Content = current.Content
	working.DataHash = current.DataHash
	working.HashVersion = current.HashVersion
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = time.Now().UTC()

	m.records[id] = working
	return working.clone(), nil
}

func (m *MemoryRepository) ListAnchorDue(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Record
	for _, r := range m.records {
		if r.Anchor.Status != AnchorPending {
			continue
		}
		if r.Anchor.NextAt != nil && r.Anchor.NextAt.After(now) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		return nextAt(due[i]).Before(nextAt(due[j]))
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]uuid.UUID, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func nextAt(r *Record) time.Time {
	if r.Anchor.NextAt == nil {
		return time.Time{}
	}
	return *r.Anchor.NextAt
}
