package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/tenants"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// CreateProject handles POST /api/v1/projects
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req tenants.CreateProjectRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.respondError(w, r, http.StatusBadRequest, err.Error(), nil)
		return
	}

	p, err := h.deps.Projects.Create(r.Context(), &req)
	if err != nil {
		h.respondDomainError(w, r, "failed to create project", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, p)
}

// GetProject handles GET /api/v1/projects/{id}
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	if !h.projectAllowed(w, r, mux.Vars(r)["id"]) {
		return
	}
	p, err := h.deps.Projects.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get project", err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// UpdateProject handles PATCH /api/v1/projects/{id}
func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	if !h.projectAllowed(w, r, mux.Vars(r)["id"]) {
		return
	}
	var req tenants.UpdateProjectRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Plan != nil {
		if _, ok := tenants.DefaultPlans[*req.Plan]; !ok {
			h.respondError(w, r, http.StatusBadRequest, "unknown plan "+string(*req.Plan), nil)
			return
		}
	}

	p, err := h.deps.Projects.Update(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.respondDomainError(w, r, "failed to update project", err)
		return
	}
	h.respondJSON(w, http.StatusOK, p)
}

// UsageResponse reports a project's counters for one period.
type UsageResponse struct {
	ProjectID string              `json:"project_id"`
	Plan      tenants.Plan        `json:"plan"`
	Period    string              `json:"period"`
	Usage     types.UsageCounters `json:"usage"`
	Limits    tenants.Limits      `json:"limits,omitempty"`
}

// GetUsage handles GET /api/v1/projects/{id}/usage. The period query
// parameter (YYYY-MM) defaults to the current month.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.projectAllowed(w, r, mux.Vars(r)["id"]) {
		return
	}
	p, err := h.deps.Projects.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get project", err)
		return
	}

	period := r.URL.Query().Get("period")
	if period == "" {
		period = tenants.Period(time.Now())
	} else if _, err := time.Parse("2006-01", period); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "period must be YYYY-MM", err)
		return
	}

	usage, err := h.deps.Projects.GetUsage(ctx, p.ID, period)
	if err != nil {
		h.respondDomainError(w, r, "failed to get usage", err)
		return
	}
	if usage == nil {
		usage = types.UsageCounters{}
	}

	h.respondJSON(w, http.StatusOK, UsageResponse{
		ProjectID: p.ID,
		Plan:      p.Plan,
		Period:    period,
		Usage:     usage,
		Limits:    effectiveLimits(p),
	})
}

// effectiveLimits overlays the project's overrides on its plan limits.
func effectiveLimits(p *tenants.Project) tenants.Limits {
	out := tenants.Limits{}
	for k, v := range tenants.DefaultPlans[p.Plan] {
		out[k] = v
	}
	for k, v := range p.LimitOverrides {
		out[k] = v
	}
	return out
}
