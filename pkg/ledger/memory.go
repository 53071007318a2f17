package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/tributary/pkg/models"
)

// MemoryStore is an in-process Store used by tests and the memory backend
type MemoryStore struct {
	mu         sync.RWMutex
	activities map[uuid.UUID]models.PipelineActivity
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{activities: make(map[uuid.UUID]models.PipelineActivity)}
}

// InsertActivity implements Store
func (m *MemoryStore) InsertActivity(_ context.Context, a *models.PipelineActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[a.ID] = clone(a)
	return nil
}

// UpdateActivity implements Store
func (m *MemoryStore) UpdateActivity(_ context.Context, a *models.PipelineActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activities[a.ID]; !ok {
		return ErrNotFound
	}
	m.activities[a.ID] = clone(a)
	return nil
}

// GetActivity implements Store
func (m *MemoryStore) GetActivity(_ context.Context, id uuid.UUID) (*models.PipelineActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(&a)
	return &out, nil
}

// ListActivities implements Store
func (m *MemoryStore) ListActivities(_ context.Context, f Filter) ([]*models.PipelineActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.PipelineActivity
	for _, a := range m.activities {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.StreamID != nil && (a.StreamID == nil || *a.StreamID != *f.StreamID) {
			continue
		}
		c := clone(&a)
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// DeleteActivitiesBefore implements Store
func (m *MemoryStore) DeleteActivitiesBefore(_ context.Context, activityType models.ActivityType, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, a := range m.activities {
		if a.Type == activityType && a.CreatedAt.Before(before) {
			delete(m.activities, id)
			n++
		}
	}
	return n, nil
}

func clone(a *models.PipelineActivity) models.PipelineActivity {
	out := *a
	out.Metadata = copyMetadata(a.Metadata)
	return out
}
