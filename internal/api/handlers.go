package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

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

// archiveLinkExpiry bounds presigned archive URLs.
const archiveLinkExpiry = 15 * time.Minute

// RunService starts and inspects runs. *lifecycle.Manager satisfies it.
type RunService interface {
	StartRun(ctx context.Context, req lifecycle.StartRequest) (*types.Run, error)
	Resume(ctx context.Context, runID string) (*types.Run, error)
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	ListRuns(ctx context.Context, filter runstore.ListFilter) ([]*types.Run, error)
}

// ScheduleService manages schedules. *schedule.Manager satisfies it.
type ScheduleService interface {
	CreateSchedule(ctx context.Context, req schedule.CreateRequest) (*types.Schedule, error)
	GetSchedule(ctx context.Context, scheduleID string) (*types.Schedule, error)
	ListSchedules(ctx context.Context, opts schedstore.ListOptions) ([]*types.Schedule, error)
	RemoveSchedule(ctx context.Context, scheduleID string) error
	SetEnabled(ctx context.Context, scheduleID string, enabled bool) (*types.Schedule, error)
	OnWorkflowDeleted(ctx context.Context, agentID string) (int, error)
	ReconcileOnce(ctx context.Context) (*schedule.Report, error)
}

// RunArchive hands out links to archived run documents.
type RunArchive interface {
	PresignRun(ctx context.Context, projectID, runID string, expiry time.Duration) (string, error)
}

// Deps are the services the handlers delegate to. Archive, Validator and
// Auth are optional.
type Deps struct {
	Workflows flowstore.FlowStore
	Events    runstore.RunStore
	Runs      RunService
	Schedules ScheduleService
	Projects  tenants.Store
	Archive   RunArchive
	Validator *validator.Validator
	Auth      *auth.Middleware
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	deps    Deps
	config  *config.Config
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Load()
	}
	return &Handlers{
		deps:    deps,
		config:  cfg,
		logger:  logger,
		limiter: newLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking the run store.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	info, err := h.deps.Events.AdapterInfo(r.Context())
	if err != nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "runstore unhealthy", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Workflows ---

// workflowBody carries the definition as raw JSON so it can be schema
// checked before it is decoded.
type workflowBody struct {
	flowstore.CreateFlowRequest
	Definition json.RawMessage `json:"definition"`
}

type workflowPatch struct {
	flowstore.UpdateFlowRequest
	Definition json.RawMessage `json:"definition,omitempty"`
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body workflowBody
	if err := decodeBody(r, &body, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req := body.CreateFlowRequest
	def, ok := h.decodeDefinition(w, r, body.Definition)
	if !ok {
		return
	}
	req.Definition = def
	if claims := auth.GetClaims(r.Context()); claims != nil && req.CreatedBy == "" {
		req.CreatedBy = claims.Subject
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	flow, err := h.deps.Workflows.Create(r.Context(), &req)
	if err != nil {
		h.respondDomainError(w, r, "failed to create workflow", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, flow)
}

// decodeDefinition schema checks and decodes a raw workflow definition. It
// writes the error response itself and reports false on failure.
func (h *Handlers) decodeDefinition(w http.ResponseWriter, r *http.Request, raw json.RawMessage) (*types.Workflow, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, true
	}
	if h.deps.Validator != nil {
		if res := h.deps.Validator.ValidateWorkflowJSON(raw); !res.Valid {
			writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidation,
				"workflow definition is invalid", map[string]any{"errors": res.Errors})
			return nil, false
		}
	}
	var def types.Workflow
	if err := json.Unmarshal(raw, &def); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid workflow definition", err)
		return nil, false
	}
	return &def, true
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := &flowstore.ListOptions{
		ProjectID: q.Get("project_id"),
		CreatedBy: q.Get("created_by"),
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
	}
	flows, err := h.deps.Workflows.List(r.Context(), opts)
	if err != nil {
		h.respondDomainError(w, r, "failed to list workflows", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"workflows": flows})
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	flow, err := h.deps.Workflows.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, flow)
}

// UpdateWorkflow handles PUT /api/v1/workflows/{id}
func (h *Handlers) UpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	var body workflowPatch
	if err := decodeBody(r, &body, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	req := body.UpdateFlowRequest
	def, ok := h.decodeDefinition(w, r, body.Definition)
	if !ok {
		return
	}
	req.Definition = def

	flow, err := h.deps.Workflows.Update(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.respondDomainError(w, r, "failed to update workflow", err)
		return
	}
	h.respondJSON(w, http.StatusOK, flow)
}

// DeleteWorkflow handles DELETE /api/v1/workflows/{id}. The workflow's
// schedules are removed in the same request; registry entries are cleared
// by the cleanup drain.
func (h *Handlers) DeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := h.deps.Workflows.Delete(ctx, id); err != nil {
		h.respondDomainError(w, r, "failed to delete workflow", err)
		return
	}

	if h.deps.Schedules != nil {
		n, err := h.deps.Schedules.OnWorkflowDeleted(ctx, id)
		if err != nil {
			// Stale entries are caught at dispatch time and by reconciliation.
			h.logger.Warn("schedule cascade failed",
				slog.String("agent_id", id),
				slog.Any("error", err),
			)
		} else if n > 0 {
			h.logger.Info("schedules removed with workflow",
				slog.String("agent_id", id),
				slog.Int("count", n),
			)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// ValidateWorkflow handles POST /api/v1/workflows/validate
func (h *Handlers) ValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	if h.deps.Validator == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "validator not available", nil)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.respondJSON(w, http.StatusOK, h.deps.Validator.ValidateWorkflowJSON(data))
}

// --- Runs ---

// StartRunRequest is the request body for starting a run.
type StartRunRequest struct {
	ProjectID string         `json:"project_id,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
}

// RunResponse is returned when a run is accepted.
type RunResponse struct {
	RunID    string          `json:"run_id"`
	Status   types.RunStatus `json:"status"`
	ResumeOf string          `json:"resume_of,omitempty"`
	SSEURL   string          `json:"sse_url"`
}

func runResponse(run *types.Run) RunResponse {
	return RunResponse{
		RunID:    run.RunID,
		Status:   run.Status,
		ResumeOf: run.ResumeOf,
		SSEURL:   "/api/v1/runs/" + run.RunID + "/events",
	}
}

// StartRun handles POST /api/v1/workflows/{id}/runs
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !h.projectAllowed(w, r, req.ProjectID) {
		return
	}

	run, err := h.deps.Runs.StartRun(r.Context(), lifecycle.StartRequest{
		AgentID:   mux.Vars(r)["id"],
		ProjectID: req.ProjectID,
		Input:     req.Input,
	})
	if err != nil {
		h.respondDomainError(w, r, "failed to start run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, runResponse(run))
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := h.deps.Runs.ListRuns(r.Context(), runstore.ListFilter{
		ProjectID: q.Get("project_id"),
		AgentID:   q.Get("agent_id"),
		Status:    types.RunStatus(q.Get("status")),
		Limit:     queryInt(q.Get("limit")),
	})
	if err != nil {
		h.respondDomainError(w, r, "failed to list runs", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Runs.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// ResumeRun handles POST /api/v1/runs/{id}/resume
func (h *Handlers) ResumeRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Runs.Resume(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to resume run", err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, runResponse(run))
}

// ArchiveLink handles GET /api/v1/runs/{id}/archive
func (h *Handlers) ArchiveLink(w http.ResponseWriter, r *http.Request) {
	if h.deps.Archive == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "run archive not configured", nil)
		return
	}
	ctx := r.Context()
	run, err := h.deps.Runs.GetRun(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}
	if !run.Status.IsTerminal() {
		h.respondError(w, r, http.StatusConflict, "run is not finished", nil)
		return
	}
	url, err := h.deps.Archive.PresignRun(ctx, run.ProjectID, run.RunID, archiveLinkExpiry)
	if err != nil {
		h.respondError(w, r, http.StatusBadGateway, "failed to presign archive", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": int(archiveLinkExpiry.Seconds()),
	})
}

// --- Helper Methods ---

// decodeBody decodes a JSON request body. When optional is set an empty
// body leaves v untouched.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	var details map[string]any
	if err != nil {
		details = map[string]any{"cause": err.Error()}
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err, "status", status, "path", r.URL.Path)
	} else {
		h.logger.Debug(message, "error", err, "status", status, "path", r.URL.Path)
	}
	writeErrorResponse(w, r, status, HTTPStatusToErrorCode(status), message, details)
}

// projectAllowed rejects callers whose token is scoped away from projectID.
func (h *Handlers) projectAllowed(w http.ResponseWriter, r *http.Request, projectID string) bool {
	claims := auth.GetClaims(r.Context())
	if claims == nil || claims.CanAccessProject(projectID) {
		return true
	}
	h.respondError(w, r, http.StatusForbidden, "project "+projectID+" is not accessible", nil)
	return false
}

// respondDomainError picks the status from the error chain.
func (h *Handlers) respondDomainError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status != http.StatusInternalServerError {
		message = err.Error()
		err = nil
	}
	h.respondError(w, r, status, message, err)
}
