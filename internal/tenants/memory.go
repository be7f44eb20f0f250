package tenants

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// MemoryStore implements Store using in-memory storage.
// Suitable for testing and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*Project
	usage    map[string]types.UsageCounters // projectID/period -> counters
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*Project),
		usage:    make(map[string]types.UsageCounters),
	}
}

// Create registers a new project.
func (m *MemoryStore) Create(ctx context.Context, req *CreateProjectRequest) (*Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.projects[req.ID]; exists {
		return nil, ErrProjectExists
	}

	p := req.project(time.Now().UTC())
	m.projects[req.ID] = p
	copy := *p
	return &copy, nil
}

// Get retrieves a project by ID.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	copy := *p
	return &copy, nil
}

// Update modifies an existing project.
func (m *MemoryStore) Update(ctx context.Context, id string, req *UpdateProjectRequest) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	req.apply(p)
	copy := *p
	return &copy, nil
}

// List returns all projects ordered by ID.
func (m *MemoryStore) List(ctx context.Context) ([]*Project, error) {
	m.mu.RLock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		copy := *p
		out = append(out, &copy)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IncrementUsage adds counters to the period totals.
func (m *MemoryStore) IncrementUsage(ctx context.Context, projectID, period string, counters types.UsageCounters) (types.UsageCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := projectID + "/" + period
	cur := m.usage[key]
	if cur == nil {
		cur = make(types.UsageCounters)
		m.usage[key] = cur
	}
	for k, v := range counters {
		cur[k] += v
	}

	out := make(types.UsageCounters, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out, nil
}

// GetUsage returns the period totals.
func (m *MemoryStore) GetUsage(ctx context.Context, projectID, period string) (types.UsageCounters, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(types.UsageCounters)
	for k, v := range m.usage[projectID+"/"+period] {
		out[k] = v
	}
	return out, nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
