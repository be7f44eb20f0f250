package flowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps workflows in process, indexed by project. Stored flows
// are held as deep copies so callers can never reach into a definition the
// store owns. Used by tests and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	flows     map[string]*Flow
	byProject map[string]map[string]struct{}
}

// NewMemoryStore creates an empty workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:     make(map[string]*Flow),
		byProject: make(map[string]map[string]struct{}),
	}
}

// Create stores version 1 of a workflow. An empty ID gets a generated one.
func (s *MemoryStore) Create(ctx context.Context, req *CreateFlowRequest) (*Flow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	flow, err := cloneFlow(&Flow{
		ID:          id,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Definition:  req.Definition,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[id]; exists {
		return nil, ErrFlowExists
	}
	s.flows[id] = flow
	s.index(flow)
	return cloneFlow(flow)
}

// Get returns a private copy of the workflow.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return cloneFlow(flow)
}

// Update applies the patch to a copy and swaps it in, so a patch that
// cannot be encoded leaves the stored version untouched.
func (s *MemoryStore) Update(ctx context.Context, id string, req *UpdateFlowRequest) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	next := *current
	req.apply(&next)
	stored, err := cloneFlow(&next)
	if err != nil {
		return nil, err
	}
	s.flows[id] = stored
	return cloneFlow(stored)
}

// Delete removes a workflow and its project index entry.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	flow, ok := s.flows[id]
	if !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, id)
	if ids := s.byProject[flow.ProjectID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byProject, flow.ProjectID)
		}
	}
	return nil
}

// List filters, then orders and pages the matches with opts.page. A
// project filter only visits that project's workflows.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*Flow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := s.flows
	if opts.ProjectID != "" {
		candidates = make(map[string]*Flow, len(s.byProject[opts.ProjectID]))
		for id := range s.byProject[opts.ProjectID] {
			candidates[id] = s.flows[id]
		}
	}

	flows := make([]*Flow, 0, len(candidates))
	for _, flow := range candidates {
		if !opts.match(flow) {
			continue
		}
		c, err := cloneFlow(flow)
		if err != nil {
			return nil, err
		}
		flows = append(flows, c)
	}
	return opts.page(flows), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) index(flow *Flow) {
	ids, ok := s.byProject[flow.ProjectID]
	if !ok {
		ids = make(map[string]struct{})
		s.byProject[flow.ProjectID] = ids
	}
	ids[flow.ID] = struct{}{}
}

// cloneFlow deep-copies a flow through its JSON form, the same encoding the
// Redis store persists.
func cloneFlow(f *Flow) (*Flow, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode workflow %s: %w", f.ID, err)
	}
	var out Flow
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", f.ID, err)
	}
	return &out, nil
}

var _ FlowStore = (*MemoryStore)(nil)
