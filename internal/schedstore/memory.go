package schedstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// MemoryStore implements Store in memory.
// Suitable for testing and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	schedules map[string]*types.Schedule
	cleanups  []*types.ScheduleCleanup
}

// NewMemoryStore creates a new in-memory schedule store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*types.Schedule)}
}

func copySchedule(s *types.Schedule) *types.Schedule {
	c := *s
	return &c
}

func (m *MemoryStore) Create(ctx context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[s.ScheduleID]; ok {
		return ErrScheduleExists
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.schedules[s.ScheduleID] = copySchedule(s)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*types.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrScheduleNotFound
	}
	return copySchedule(s), nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*types.Schedule, error) {
	m.mu.RLock()
	out := make([]*types.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if opts.ProjectID != "" && s.ProjectID != opts.ProjectID {
			continue
		}
		if opts.AgentID != "" && s.AgentID != opts.AgentID {
			continue
		}
		out = append(out, copySchedule(s))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ScheduleID < out[j].ScheduleID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListByWorkflow(ctx context.Context, agentID string) ([]*types.Schedule, error) {
	return m.List(ctx, ListOptions{AgentID: agentID})
}

func (m *MemoryStore) Update(ctx context.Context, s *types.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.schedules[s.ScheduleID]
	if !ok {
		return ErrScheduleNotFound
	}
	s.CreatedAt = existing.CreatedAt
	s.UpdatedAt = time.Now().UTC()
	m.schedules[s.ScheduleID] = copySchedule(s)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.schedules[id]; !ok {
		return ErrScheduleNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) DeleteByWorkflow(ctx context.Context, agentID string) ([]*types.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted []*types.Schedule
	for id, s := range m.schedules {
		if s.AgentID == agentID {
			deleted = append(deleted, s)
			delete(m.schedules, id)
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].CreatedAt.Before(deleted[j].CreatedAt) })

	now := time.Now().UTC()
	for _, s := range deleted {
		m.cleanups = append(m.cleanups, &types.ScheduleCleanup{
			ID:         uuid.New().String(),
			ScheduleID: s.ScheduleID,
			AgentID:    agentID,
			DeletedAt:  now,
		})
	}
	return deleted, nil
}

func (m *MemoryStore) PendingCleanups(ctx context.Context, limit int) ([]types.ScheduleCleanup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.ScheduleCleanup
	for _, c := range m.cleanups {
		if c.Processed {
			continue
		}
		out = append(out, *c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.cleanups {
		if c.ID == id {
			now := time.Now().UTC()
			c.Processed = true
			c.ProcessedAt = &now
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.cleanups[:0]
	var purged int64
	for _, c := range m.cleanups {
		if c.Processed && c.ProcessedAt != nil && c.ProcessedAt.Before(olderThan) {
			purged++
			continue
		}
		kept = append(kept, c)
	}
	m.cleanups = kept
	return purged, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
