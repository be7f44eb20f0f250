package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/auth"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/config"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/lifecycle"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedule"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/tenants"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

type fakeRuns struct {
	mu       sync.Mutex
	runs     map[string]*types.Run
	started  []lifecycle.StartRequest
	panicked bool
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{runs: make(map[string]*types.Run)}
}

func (f *fakeRuns) StartRun(_ context.Context, req lifecycle.StartRequest) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.AgentID == "missing" {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrWorkflowNotFound, req.AgentID)
	}
	f.started = append(f.started, req)
	run := &types.Run{
		RunID:    fmt.Sprintf("run-%d", len(f.started)),
		AgentID:  req.AgentID,
		Status:   types.RunStatusQueued,
		ResumeOf: req.ResumeOf,
	}
	f.runs[run.RunID] = run
	return run, nil
}

func (f *fakeRuns) Resume(ctx context.Context, runID string) (*types.Run, error) {
	orig, err := f.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if orig.Status != types.RunStatusFailed {
		return nil, fmt.Errorf("%w: run %s is %s", lifecycle.ErrNotResumable, runID, orig.Status)
	}
	return f.StartRun(ctx, lifecycle.StartRequest{AgentID: orig.AgentID, ResumeOf: runID})
}

func (f *fakeRuns) GetRun(_ context.Context, runID string) (*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, runstore.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, filter runstore.ListFilter) ([]*types.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicked {
		panic("list exploded")
	}
	var out []*types.Run
	for _, r := range f.runs {
		if filter.AgentID == "" || r.AgentID == filter.AgentID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) put(run *types.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = run
}

type fakeSchedules struct {
	mu        sync.Mutex
	schedules map[string]*types.Schedule
	cascaded  []string
	reconcile error
}

func newFakeSchedules() *fakeSchedules {
	return &fakeSchedules{schedules: make(map[string]*types.Schedule)}
}

func (f *fakeSchedules) CreateSchedule(_ context.Context, req schedule.CreateRequest) (*types.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Cron == "not a cron" {
		return nil, fmt.Errorf("%w: bad cron", schedule.ErrInvalidSchedule)
	}
	s := &types.Schedule{
		ScheduleID:      fmt.Sprintf("sched-%d", len(f.schedules)+1),
		AgentID:         req.AgentID,
		Cron:            req.Cron,
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         req.Enabled == nil || *req.Enabled,
	}
	f.schedules[s.ScheduleID] = s
	return s, nil
}

func (f *fakeSchedules) GetSchedule(_ context.Context, id string) (*types.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, schedstore.ErrScheduleNotFound
	}
	return s, nil
}

func (f *fakeSchedules) ListSchedules(_ context.Context, opts schedstore.ListOptions) ([]*types.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Schedule
	for _, s := range f.schedules {
		if opts.AgentID == "" || s.AgentID == opts.AgentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSchedules) RemoveSchedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.schedules[id]; !ok {
		return schedstore.ErrScheduleNotFound
	}
	delete(f.schedules, id)
	return nil
}

func (f *fakeSchedules) SetEnabled(_ context.Context, id string, enabled bool) (*types.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.schedules[id]
	if !ok {
		return nil, schedstore.ErrScheduleNotFound
	}
	s.Enabled = enabled
	return s, nil
}

func (f *fakeSchedules) OnWorkflowDeleted(_ context.Context, agentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cascaded = append(f.cascaded, agentID)
	n := 0
	for id, s := range f.schedules {
		if s.AgentID == agentID {
			delete(f.schedules, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeSchedules) ReconcileOnce(context.Context) (*schedule.Report, error) {
	return &schedule.Report{OrphansRemoved: 2, EntriesRestored: 1}, f.reconcile
}

type fakeArchive struct{}

func (fakeArchive) PresignRun(_ context.Context, projectID, runID string, _ time.Duration) (string, error) {
	return "https://archive.example/" + projectID + "/" + runID + "?sig=x", nil
}

type testEnv struct {
	handler   http.Handler
	flows     *flowstore.MemoryStore
	events    *runstore.MemoryStore
	runs      *fakeRuns
	schedules *fakeSchedules
	projects  *tenants.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	v, err := validator.New()
	require.NoError(t, err)

	env := &testEnv{
		flows:     flowstore.NewMemoryStore(),
		events:    runstore.NewMemoryStore(runstore.DefaultConfig()),
		runs:      newFakeRuns(),
		schedules: newFakeSchedules(),
		projects:  tenants.NewMemoryStore(),
	}
	deps := Deps{
		Workflows: env.flows,
		Events:    env.events,
		Runs:      env.runs,
		Schedules: env.schedules,
		Projects:  env.projects,
		Validator: v,
	}
	cfg := &config.Config{CORSOrigins: []string{"http://localhost:5173"}}
	if mutate != nil {
		mutate(cfg, &deps)
	}
	env.handler = NewServer(NewHandlers(deps, cfg, nil)).Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const validWorkflow = `{
	"id": "wf-1",
	"project_id": "proj-1",
	"name": "Welcome",
	"definition": {
		"nodes": [
			{"id": "fetch", "type": "http", "config": {"url": "https://example.com"}},
			{"id": "notify", "type": "email", "config": {"to": "a@example.com"}}
		],
		"connections": [{"from": "fetch", "to": "notify"}]
	}
}`

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "GET", "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)
}

func TestWorkflowCRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/workflows", validWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	flow := decode[flowstore.Flow](t, rec)
	assert.Equal(t, "wf-1", flow.ID)
	assert.Equal(t, 1, flow.Version)
	require.NotNil(t, flow.Definition)
	assert.Len(t, flow.Definition.Nodes, 2)

	rec = env.do(t, "POST", "/api/v1/workflows", validWorkflow)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, "GET", "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "PUT", "/api/v1/workflows/wf-1", `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flow = decode[flowstore.Flow](t, rec)
	assert.Equal(t, "Renamed", flow.Name)
	assert.Equal(t, 2, flow.Version)
	assert.Len(t, flow.Definition.Nodes, 2, "definition kept when not patched")

	rec = env.do(t, "GET", "/api/v1/workflows?project_id=proj-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"wf-1"`)

	rec = env.do(t, "DELETE", "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"wf-1"}, env.schedules.cascaded)

	rec = env.do(t, "GET", "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, ErrCodeNotFound, resp.Error)
	assert.NotEmpty(t, resp.RequestID)

	rec = env.do(t, "DELETE", "/api/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWorkflow_Rejects(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"name":`, http.StatusBadRequest},
		{"missing name", `{"project_id":"p","definition":{"nodes":[{"id":"a","type":"http"}]}}`, http.StatusBadRequest},
		{"missing definition", `{"project_id":"p","name":"x"}`, http.StatusBadRequest},
		{"dangling connection", `{"project_id":"p","name":"x","definition":{"nodes":[{"id":"a","type":"http"}],"connections":[{"from":"a","to":"b"}]}}`, http.StatusUnprocessableEntity},
		{"node without type", `{"project_id":"p","name":"x","definition":{"nodes":[{"id":"a"}]}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/v1/workflows", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestDeleteWorkflow_CascadesSchedules(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/v1/workflows", validWorkflow).Code)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/v1/schedules", `{"agent_id":"wf-1","cron":"@hourly"}`).Code)
	require.Equal(t, http.StatusCreated, env.do(t, "POST", "/api/v1/schedules", `{"agent_id":"other","interval_seconds":60}`).Code)

	rec := env.do(t, "DELETE", "/api/v1/workflows/wf-1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "GET", "/api/v1/schedules", "")
	body := decode[map[string][]*types.Schedule](t, rec)
	require.Len(t, body["schedules"], 1)
	assert.Equal(t, "other", body["schedules"][0].AgentID)
}

func TestValidateWorkflow(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/workflows/validate", `{"steps":[{"tool":"http"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[validator.ValidationResult](t, rec).Valid)

	rec = env.do(t, "POST", "/api/v1/workflows/validate", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[validator.ValidationResult](t, rec).Valid)
}

func TestStartRun(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/workflows/wf-1/runs", `{"input":{"name":"Ada"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[RunResponse](t, rec)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, types.RunStatusQueued, resp.Status)
	assert.Equal(t, "/api/v1/runs/run-1/events", resp.SSEURL)

	require.Len(t, env.runs.started, 1)
	assert.Equal(t, "wf-1", env.runs.started[0].AgentID)
	assert.Equal(t, "Ada", env.runs.started[0].Input["name"])
	assert.False(t, env.runs.started[0].Scheduled)

	// Empty body is allowed.
	rec = env.do(t, "POST", "/api/v1/workflows/wf-1/runs", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(t, "POST", "/api/v1/workflows/missing/runs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runs.put(&types.Run{RunID: "done", AgentID: "wf-1", Status: types.RunStatusCompleted})
	env.runs.put(&types.Run{RunID: "broken", AgentID: "wf-1", Status: types.RunStatusFailed, Error: "boom"})

	rec := env.do(t, "GET", "/api/v1/runs/broken", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "boom", decode[types.Run](t, rec).Error)

	rec = env.do(t, "GET", "/api/v1/runs/ghost", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "GET", "/api/v1/runs?agent_id=wf-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[map[string][]*types.Run](t, rec)["runs"], 2)

	rec = env.do(t, "POST", "/api/v1/runs/broken/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "broken", decode[RunResponse](t, rec).ResumeOf)

	rec = env.do(t, "POST", "/api/v1/runs/done/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrCodeConflict, decode[ErrorResponse](t, rec).Error)
}

func TestArchiveLink(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runs.put(&types.Run{RunID: "r1", ProjectID: "p1", Status: types.RunStatusCompleted})
	rec := env.do(t, "GET", "/api/v1/runs/r1/archive", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	env = newTestEnv(t, func(_ *config.Config, d *Deps) { d.Archive = fakeArchive{} })
	env.runs.put(&types.Run{RunID: "r1", ProjectID: "p1", Status: types.RunStatusCompleted})
	env.runs.put(&types.Run{RunID: "r2", ProjectID: "p1", Status: types.RunStatusRunning})

	rec = env.do(t, "GET", "/api/v1/runs/r1/archive", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://archive.example/p1/r1")

	rec = env.do(t, "GET", "/api/v1/runs/r2/archive", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/schedules", `{"agent_id":"wf-1","cron":"@daily","interval_seconds":60}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ErrCodeValidation, decode[ErrorResponse](t, rec).Error)

	rec = env.do(t, "POST", "/api/v1/schedules", `{"agent_id":"wf-1","cron":"not a cron"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/schedules", `{"agent_id":"wf-1","interval_seconds":300}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decode[types.Schedule](t, rec)
	assert.True(t, s.Enabled)

	rec = env.do(t, "POST", "/api/v1/schedules/"+s.ScheduleID+"/disable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[types.Schedule](t, rec).Enabled)

	rec = env.do(t, "POST", "/api/v1/schedules/"+s.ScheduleID+"/enable", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[types.Schedule](t, rec).Enabled)

	rec = env.do(t, "GET", "/api/v1/schedules/"+s.ScheduleID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "DELETE", "/api/v1/schedules/"+s.ScheduleID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, "GET", "/api/v1/schedules/"+s.ScheduleID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/admin/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[schedule.Report](t, rec)
	assert.Equal(t, 2, report.OrphansRemoved)
	assert.Equal(t, 1, report.EntriesRestored)

	env.schedules.reconcile = errors.New("registry down")
	rec = env.do(t, "POST", "/api/v1/admin/reconcile", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "registry down")
}

func TestProjects(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "POST", "/api/v1/projects", `{"id":"p1","name":"Acme","plan":"platinum"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "POST", "/api/v1/projects", `{"id":"p1","name":"Acme","limit_overrides":{"sms":3}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, tenants.PlanFree, decode[tenants.Project](t, rec).Plan)

	rec = env.do(t, "POST", "/api/v1/projects", `{"id":"p1","name":"Acme"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, "PATCH", "/api/v1/projects/p1", `{"plan":"pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tenants.PlanPro, decode[tenants.Project](t, rec).Plan)

	_, err := env.projects.IncrementUsage(context.Background(), "p1", "2026-03", types.UsageCounters{types.CounterSMS: 2})
	require.NoError(t, err)

	rec = env.do(t, "GET", "/api/v1/projects/p1/usage?period=2026-03", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	usage := decode[UsageResponse](t, rec)
	assert.Equal(t, int64(2), usage.Usage[types.CounterSMS])
	assert.Equal(t, int64(3), usage.Limits[types.CounterSMS], "override wins over plan")
	assert.Equal(t, int64(10000), usage.Limits[types.CounterEmails])

	rec = env.do(t, "GET", "/api/v1/projects/p1/usage?period=March", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, "GET", "/api/v1/projects/ghost/usage", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type tokenVerifier map[string]*auth.Claims

func (v tokenVerifier) Verify(_ context.Context, token string) (*auth.Claims, error) {
	if c, ok := v[token]; ok {
		return c, nil
	}
	return nil, auth.ErrInvalidToken
}

func TestAuth(t *testing.T) {
	verifier := tokenVerifier{
		"ada":    {Subject: "ada"},
		"scoped": {Subject: "bob", Projects: []string{"p1"}},
	}
	env := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Auth = auth.NewMiddleware(verifier, nil, nil)
	})
	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		var rdr io.Reader
		if body != "" {
			rdr = strings.NewReader(body)
		}
		req := httptest.NewRequest(method, path, rdr)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("GET", "/health", "", "").Code, "health stays public")
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/v1/workflows", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("GET", "/api/v1/workflows", "forged", "").Code)

	rec := do("POST", "/api/v1/workflows", "ada", validWorkflow)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ada", decode[flowstore.Flow](t, rec).CreatedBy)

	rec = do("POST", "/api/v1/workflows/wf-1/runs", "scoped", `{"project_id":"p2"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, ErrCodeForbidden, decode[ErrorResponse](t, rec).Error)
	assert.Empty(t, env.runs.started)

	rec = do("POST", "/api/v1/workflows/wf-1/runs", "scoped", `{"project_id":"p1"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, http.StatusForbidden, do("GET", "/api/v1/projects/p2/usage", "scoped", "").Code)
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("OPTIONS", "/api/v1/workflows", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_RequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/api/v1/runs/ghost", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", decode[ErrorResponse](t, rec).RequestID)
}

func TestMiddleware_RateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) {
		cfg.RateLimitRPS = 0.001
		cfg.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/v1/runs", "").Code)
	rec := env.do(t, "GET", "/api/v1/runs", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health", "").Code, "health is exempt")
}

func TestMiddleware_Recovery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.runs.panicked = true

	rec := env.do(t, "GET", "/api/v1/runs", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, decode[ErrorResponse](t, rec).Error)
}

func TestStreamEvents_FinishedRun(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.events.CreateRun(ctx, &types.Run{RunID: "r1", AgentID: "wf-1"}))
	_, err := env.events.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeNodeCompleted, NodeID: "fetch"})
	require.NoError(t, err)
	require.NoError(t, env.events.UpdateRunStatus(ctx, "r1", types.StatusUpdate{Status: types.RunStatusRunning}))
	require.NoError(t, env.events.UpdateRunStatus(ctx, "r1", types.StatusUpdate{Status: types.RunStatusCompleted}))
	_, err = env.events.AppendEvent(ctx, "r1", &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.RunStatusCompleted},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/runs/r1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(body)
	assert.Contains(t, out, "event: hello")
	assert.Contains(t, out, "event: node_completed")
	assert.Contains(t, out, "event: stream_end")
	assert.Contains(t, out, `"data":{"status":"completed"}`)

	// Resuming after the first event skips it.
	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/runs/r1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err = io.ReadAll(resp2.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "event: node_completed")
	assert.Contains(t, string(body), "event: run_status")
}

func TestStreamEvents_Live(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, env.events.CreateRun(ctx, &types.Run{RunID: "r1", AgentID: "wf-1"}))
	require.NoError(t, env.events.UpdateRunStatus(ctx, "r1", types.StatusUpdate{Status: types.RunStatusRunning}))

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/runs/r1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: hello") {
			break
		}
	}

	_, err = env.events.AppendEvent(ctx, "r1", &types.EventInput{Type: types.EventTypeNodeStarted, NodeID: "fetch"})
	require.NoError(t, err)
	require.NoError(t, env.events.UpdateRunStatus(ctx, "r1", types.StatusUpdate{Status: types.RunStatusFailed, Error: "boom"}))
	_, err = env.events.AppendEvent(ctx, "r1", &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: types.RunStatusEvent{Status: types.RunStatusFailed, Error: "boom"},
	})
	require.NoError(t, err)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	out := string(rest)
	assert.Equal(t, 1, strings.Count(out, "event: node_started"))
	assert.Contains(t, out, "event: stream_end")
	assert.Contains(t, out, `"error":"boom"`)
}

func TestStreamEvents_UnknownRun(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, "GET", "/api/v1/runs/ghost/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
