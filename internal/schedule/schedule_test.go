package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/lifecycle"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// exactMode controls how fakeRegistry handles RemoveRecurring.
type exactMode int

const (
	exactWorks exactMode = iota
	exactNoop            // removes nothing, reports nothing
	exactLies            // removes nothing, reports success
)

type fakeRegistry struct {
	mu      sync.Mutex
	entries map[string]jobs.RecurringEntry
	exact   exactMode
	addErr  error
	listErr error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{entries: make(map[string]jobs.RecurringEntry)}
}

func (f *fakeRegistry) AddRecurring(_ context.Context, queue, key string, payload any, repeat jobs.Repeat) (*jobs.RecurringEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return nil, f.addErr
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := jobs.RecurringEntry{
		ID:      jobs.RecurringID(key, repeat),
		Key:     key,
		Queue:   queue,
		Payload: raw,
		Repeat:  repeat,
	}
	f.entries[e.ID] = e
	return &e, nil
}

func (f *fakeRegistry) RemoveRecurring(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.exact {
	case exactNoop:
		return false, nil
	case exactLies:
		return true, nil
	}
	removed := false
	for id, e := range f.entries {
		if e.Key == key {
			delete(f.entries, id)
			removed = true
		}
	}
	return removed, nil
}

func (f *fakeRegistry) RemoveRecurringByID(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[id]
	delete(f.entries, id)
	return ok, nil
}

func (f *fakeRegistry) ListRecurring(context.Context) ([]jobs.RecurringEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]jobs.RecurringEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRegistry) keys() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, e := range f.entries {
		out[e.Key] = true
	}
	return out
}

type fakeStarter struct {
	mu   sync.Mutex
	reqs []lifecycle.StartRequest
	err  error
}

func (f *fakeStarter) StartRun(_ context.Context, req lifecycle.StartRequest) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reqs = append(f.reqs, req)
	return &types.Run{RunID: "run-" + req.ScheduleID, Status: types.RunStatusQueued}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fixture struct {
	mgr   *Manager
	store *schedstore.MemoryStore
	reg   *fakeRegistry
	flows *flowstore.MemoryStore
	flow  *flowstore.Flow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: schedstore.NewMemoryStore(),
		reg:   newFakeRegistry(),
		flows: flowstore.NewMemoryStore(),
	}
	flow, err := f.flows.Create(context.Background(), &flowstore.CreateFlowRequest{
		ProjectID:  "p1",
		Name:       "nightly",
		Definition: &types.Workflow{Steps: []types.Step{{Type: "http"}}},
	})
	require.NoError(t, err)
	f.flow = flow
	f.mgr = New(f.store, f.reg, f.flows, nil, nil)
	return f
}

func (f *fixture) create(t *testing.T, req CreateRequest) *types.Schedule {
	t.Helper()
	if req.AgentID == "" {
		req.AgentID = f.flow.ID
	}
	s, err := f.mgr.CreateSchedule(context.Background(), req)
	require.NoError(t, err)
	return s
}

func TestCreateSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.create(t, CreateRequest{Cron: "0 * * * *", Input: map[string]any{"region": "eu"}})
	assert.Equal(t, "p1", s.ProjectID, "project defaults from the workflow")
	assert.True(t, s.Enabled)

	entries, _ := f.reg.ListRecurring(ctx)
	require.Len(t, entries, 1)
	assert.Equal(t, "schedule_"+s.ScheduleID, entries[0].Key)
	assert.Equal(t, QueueSchedules, entries[0].Queue)
	assert.Equal(t, "0 * * * *", entries[0].Repeat.Cron)

	var p types.SchedulePayload
	require.NoError(t, json.Unmarshal(entries[0].Payload, &p))
	assert.Equal(t, s.AgentID, p.AgentID)
	assert.Equal(t, "eu", p.Input["region"])

	stored, err := f.store.Get(ctx, s.ScheduleID)
	require.NoError(t, err)
	assert.Equal(t, s.Cron, stored.Cron)
}

func TestCreateSchedule_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"cron and interval", CreateRequest{Cron: "@hourly", IntervalSeconds: 60}, ErrInvalidSchedule},
		{"neither", CreateRequest{}, ErrInvalidSchedule},
		{"bad cron", CreateRequest{Cron: "not a cron"}, ErrInvalidSchedule},
		{"negative interval", CreateRequest{IntervalSeconds: -5}, ErrInvalidSchedule},
		{"unknown workflow", CreateRequest{AgentID: "ghost", IntervalSeconds: 60}, ErrWorkflowNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.req
			if req.AgentID == "" {
				req.AgentID = f.flow.ID
			}
			_, err := f.mgr.CreateSchedule(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)

			all, _ := f.store.List(context.Background(), schedstore.ListOptions{})
			assert.Empty(t, all)
			assert.Empty(t, f.reg.keys())
		})
	}
}

func TestCreateSchedule_RollsBackOnRegistryFailure(t *testing.T) {
	f := newFixture(t)
	f.reg.addErr = errors.New("registry down")

	_, err := f.mgr.CreateSchedule(context.Background(), CreateRequest{AgentID: f.flow.ID, IntervalSeconds: 60})
	require.Error(t, err)

	all, _ := f.store.List(context.Background(), schedstore.ListOptions{})
	assert.Empty(t, all)
}

func TestCreateSchedule_Disabled(t *testing.T) {
	f := newFixture(t)
	off := false
	s := f.create(t, CreateRequest{IntervalSeconds: 60, Enabled: &off})
	assert.False(t, s.Enabled)
	assert.Empty(t, f.reg.keys())
}

func TestRemoveSchedule(t *testing.T) {
	tests := []struct {
		name string
		mode exactMode
	}{
		{"exact removal works", exactWorks},
		{"exact removal is a no-op", exactNoop},
		{"exact removal reports success but keeps the entry", exactLies},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.reg.exact = tt.mode
			keep := f.create(t, CreateRequest{IntervalSeconds: 60})
			s := f.create(t, CreateRequest{Cron: "@daily"})

			require.NoError(t, f.mgr.RemoveSchedule(context.Background(), s.ScheduleID))

			keys := f.reg.keys()
			assert.False(t, keys[s.RegistryKey()], "entry should be removed")
			assert.True(t, keys[keep.RegistryKey()], "other entries must survive")

			_, err := f.store.Get(context.Background(), s.ScheduleID)
			assert.ErrorIs(t, err, schedstore.ErrScheduleNotFound)
		})
	}
}

func TestRemoveSchedule_MissingRecordStillClearsRegistry(t *testing.T) {
	f := newFixture(t)
	s := f.create(t, CreateRequest{IntervalSeconds: 60})
	require.NoError(t, f.store.Delete(context.Background(), s.ScheduleID))

	err := f.mgr.RemoveSchedule(context.Background(), s.ScheduleID)
	assert.ErrorIs(t, err, schedstore.ErrScheduleNotFound)
	assert.Empty(t, f.reg.keys())
}

func TestSetEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{IntervalSeconds: 60})

	paused, err := f.mgr.SetEnabled(ctx, s.ScheduleID, false)
	require.NoError(t, err)
	assert.False(t, paused.Enabled)
	assert.Empty(t, f.reg.keys())

	resumed, err := f.mgr.SetEnabled(ctx, s.ScheduleID, true)
	require.NoError(t, err)
	assert.True(t, resumed.Enabled)
	assert.True(t, f.reg.keys()[s.RegistryKey()])

	_, err = f.mgr.SetEnabled(ctx, "missing", true)
	assert.ErrorIs(t, err, schedstore.ErrScheduleNotFound)
}

func TestReconcile_StoreDeleteWithoutRegistry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{IntervalSeconds: 60})

	// The workflow and its schedule vanish from the store without the
	// registry hearing about it.
	require.NoError(t, f.flows.Delete(ctx, f.flow.ID))
	require.NoError(t, f.store.Delete(ctx, s.ScheduleID))
	require.True(t, f.reg.keys()[s.RegistryKey()])

	report, err := f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansRemoved)
	assert.Empty(t, f.reg.keys())
}

func TestReconcile_WorkflowDeletedInStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{IntervalSeconds: 60})

	// Only the workflow goes; the schedule record and entry are untouched.
	require.NoError(t, f.flows.Delete(ctx, f.flow.ID))
	require.True(t, f.reg.keys()[s.RegistryKey()])

	report, err := f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansRemoved)
	assert.Equal(t, 1, report.SchedulesCascaded)
	assert.Equal(t, 0, report.EntriesRestored)
	assert.Empty(t, f.reg.keys())

	_, err = f.store.Get(ctx, s.ScheduleID)
	assert.ErrorIs(t, err, schedstore.ErrScheduleNotFound)

	// A second pass finds nothing left to do.
	report, err = f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, *report)
}

func TestReconcile_DoesNotRestoreForMissingWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{Cron: "@daily"})

	f.reg.mu.Lock()
	f.reg.entries = make(map[string]jobs.RecurringEntry)
	f.reg.mu.Unlock()
	require.NoError(t, f.flows.Delete(ctx, f.flow.ID))

	report, err := f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.EntriesRestored)
	assert.Equal(t, 1, report.SchedulesCascaded)
	assert.Empty(t, f.reg.keys())

	_, err = f.store.Get(ctx, s.ScheduleID)
	assert.ErrorIs(t, err, schedstore.ErrScheduleNotFound)
}

func TestDrainCleanups_RemovesCascadedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.create(t, CreateRequest{IntervalSeconds: 60 + i})
	}
	other, err := f.flows.Create(ctx, &flowstore.CreateFlowRequest{ProjectID: "p1", Name: "other", Definition: f.flow.Definition})
	require.NoError(t, err)
	keep := f.create(t, CreateRequest{AgentID: other.ID, Cron: "@hourly"})

	n, err := f.mgr.OnWorkflowDeleted(ctx, f.flow.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Exact-key removal no-ops; the fallback still clears the entries.
	f.reg.exact = exactNoop
	drained, err := f.mgr.DrainCleanups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, drained)

	keys := f.reg.keys()
	assert.Len(t, keys, 1)
	assert.True(t, keys[keep.RegistryKey()])

	pending, _ := f.store.PendingCleanups(ctx, 0)
	assert.Empty(t, pending)
}

func TestDrainCleanups_MarksProcessedOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, CreateRequest{IntervalSeconds: 60})
	_, err := f.mgr.OnWorkflowDeleted(ctx, f.flow.ID)
	require.NoError(t, err)

	f.reg.listErr = errors.New("registry unreachable")
	n, err := f.mgr.DrainCleanups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, _ := f.store.PendingCleanups(ctx, 0)
	assert.Empty(t, pending, "failed removals are still marked processed")
}

func TestPurgeProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, CreateRequest{IntervalSeconds: 60})
	f.mgr.OnWorkflowDeleted(ctx, f.flow.ID)
	_, err := f.mgr.DrainCleanups(ctx)
	require.NoError(t, err)

	n, err := f.mgr.PurgeProcessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh records are retained")

	f.mgr.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	n, err = f.mgr.PurgeProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcile_RestoresMissingEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{IntervalSeconds: 60})
	off := false
	paused := f.create(t, CreateRequest{IntervalSeconds: 90, Enabled: &off})

	f.reg.RemoveRecurring(ctx, s.RegistryKey())
	require.Empty(t, f.reg.keys())

	report, err := f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.EntriesRestored)
	keys := f.reg.keys()
	assert.True(t, keys[s.RegistryKey()])
	assert.False(t, keys[paused.RegistryKey()])
}

func TestReconcile_RemovesEntryOfPausedSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{IntervalSeconds: 60})

	stored, _ := f.store.Get(ctx, s.ScheduleID)
	stored.Enabled = false
	require.NoError(t, f.store.Update(ctx, stored))

	report, err := f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansRemoved)
	assert.Equal(t, 0, report.EntriesRestored)
	assert.Empty(t, f.reg.keys())
}

func TestReconcile_IgnoresForeignEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.AddRecurring(ctx, "reports", "nightly-report", map[string]any{}, jobs.Repeat{Cron: "@daily"})
	require.NoError(t, err)

	report, err := f.mgr.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.OrphansRemoved)
	assert.True(t, f.reg.keys()["nightly-report"])
}

func TestFireHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	starter := &fakeStarter{}
	handler := f.mgr.FireHandler(starter)

	s := f.create(t, CreateRequest{IntervalSeconds: 60, Input: map[string]any{"n": "1"}})
	payload, _ := json.Marshal(types.SchedulePayload{ScheduleID: s.ScheduleID, AgentID: s.AgentID, ProjectID: s.ProjectID})

	t.Run("each firing starts a new scheduled run", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			out, err := handler(ctx, &jobs.Job{Payload: payload})
			require.NoError(t, err)
			assert.Equal(t, "run-"+s.ScheduleID, out)
		}
		require.Equal(t, 2, starter.count())
		req := starter.reqs[0]
		assert.True(t, req.Scheduled)
		assert.Equal(t, s.ScheduleID, req.ScheduleID)
		assert.Equal(t, "p1", req.ProjectID)
		assert.Equal(t, "1", req.Input["n"])
	})

	t.Run("missing schedule removes the stray entry", func(t *testing.T) {
		require.NoError(t, f.store.Delete(ctx, s.ScheduleID))
		before := starter.count()

		out, err := handler(ctx, &jobs.Job{Payload: payload})
		require.NoError(t, err)
		assert.Nil(t, out)
		assert.Equal(t, before, starter.count())
		assert.Empty(t, f.reg.keys())
	})

	t.Run("bad payload is permanent", func(t *testing.T) {
		_, err := handler(ctx, &jobs.Job{Payload: json.RawMessage(`{`)})
		assert.True(t, jobs.IsPermanent(err))
	})
}

func TestCleanupWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, CreateRequest{IntervalSeconds: 60})

	// A stray entry for the same workflow with no schedule record.
	_, err := f.reg.AddRecurring(ctx, QueueSchedules, "schedule_stray", types.SchedulePayload{
		ScheduleID: "stray",
		AgentID:    f.flow.ID,
	}, jobs.Repeat{Cron: "@hourly"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.CleanupWorkflow(ctx, f.flow.ID))

	assert.Empty(t, f.reg.keys())
	_, err = f.store.Get(ctx, s.ScheduleID)
	assert.ErrorIs(t, err, schedstore.ErrScheduleNotFound)
	pending, _ := f.store.PendingCleanups(ctx, 0)
	assert.Empty(t, pending)
}

func TestScheduleFiresThroughBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a real firing")
	}
	store := schedstore.NewMemoryStore()
	b := jobs.NewBroker(nil, nil, nil)
	mgr := New(store, b, nil, nil, nil)
	starter := &fakeStarter{}
	mgr.Register(b, starter)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)

	s, err := mgr.CreateSchedule(context.Background(), CreateRequest{AgentID: "wf", ProjectID: "p1", IntervalSeconds: 1})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return starter.count() >= 1 }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, mgr.RemoveSchedule(context.Background(), s.ScheduleID))
	entries, err := b.ListRecurring(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
