package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	run         *types.Run
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) get(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("create run: run id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.RunID]; ok {
		return ErrRunExists
	}

	now := time.Now().UTC()
	stored := cloneRun(run)
	if stored.Status == "" {
		stored.Status = types.RunStatusQueued
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.runs[run.RunID] = &memoryRun{
		run:         stored,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	return cloneRun(run.run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter ListFilter) ([]*types.Run, error) {
	s.mu.RLock()
	all := make([]*memoryRun, 0, len(s.runs))
	for _, r := range s.runs {
		all = append(all, r)
	}
	s.mu.RUnlock()

	out := make([]*types.Run, 0, len(all))
	for _, r := range all {
		r.mu.RLock()
		if filter.match(r.run) {
			out = append(out, cloneRun(r.run))
		}
		r.mu.RUnlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, update types.StatusUpdate) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if err := applyStatus(run.run, update); err != nil {
		return err
	}
	run.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendStepLog(ctx context.Context, runID string, log types.StepLog) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.run.Results.Steps = append(run.run.Results.Steps, log)
	run.run.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}
	run.nextSeq++

	// Append to ring buffer
	if run.maxEvents > 0 && int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)

	// Notify under the run lock so a concurrent close cannot race the send.
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}
	if isTerminalStatusEvent(event) {
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	result := make([]*types.Event, 0, len(run.events))
	for _, evt := range run.events {
		seq, _ := strconv.ParseInt(evt.ID, 10, 64)
		if seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	if run.run.Status.IsTerminal() {
		run.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			run.mu.Lock()
			if _, ok := run.subscribers[ch]; ok {
				delete(run.subscribers, ch)
				close(ch)
			}
			run.mu.Unlock()
		})
	}
	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]any{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
