package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedule"
)

// CreateSchedule handles POST /api/v1/schedules
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if h.deps.Validator != nil {
		if res := h.deps.Validator.ValidateScheduleJSON(data); !res.Valid {
			writeErrorResponse(w, r, http.StatusUnprocessableEntity, ErrCodeValidation,
				"schedule is invalid", map[string]any{"errors": res.Errors})
			return
		}
	}

	var req schedule.CreateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.respondError(w, r, http.StatusBadRequest, "invalid request body", err)
		return
	}

	s, err := h.deps.Schedules.CreateSchedule(r.Context(), req)
	if err != nil {
		h.respondDomainError(w, r, "failed to create schedule", err)
		return
	}
	h.respondJSON(w, http.StatusCreated, s)
}

// ListSchedules handles GET /api/v1/schedules
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.deps.Schedules.ListSchedules(r.Context(), schedstore.ListOptions{
		ProjectID: q.Get("project_id"),
		AgentID:   q.Get("agent_id"),
	})
	if err != nil {
		h.respondDomainError(w, r, "failed to list schedules", err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

// GetSchedule handles GET /api/v1/schedules/{id}
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Schedules.GetSchedule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondDomainError(w, r, "failed to get schedule", err)
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

// DeleteSchedule handles DELETE /api/v1/schedules/{id}
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Schedules.RemoveSchedule(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.respondDomainError(w, r, "failed to delete schedule", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableSchedule handles POST /api/v1/schedules/{id}/enable
func (h *Handlers) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

// DisableSchedule handles POST /api/v1/schedules/{id}/disable
func (h *Handlers) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *Handlers) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	s, err := h.deps.Schedules.SetEnabled(r.Context(), mux.Vars(r)["id"], enabled)
	if err != nil {
		h.respondDomainError(w, r, "failed to update schedule", err)
		return
	}
	h.respondJSON(w, http.StatusOK, s)
}

// Reconcile handles POST /api/v1/admin/reconcile. It runs one sweep of the
// schedule reconciler and reports what it changed.
func (h *Handlers) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Schedules.ReconcileOnce(r.Context())
	if err != nil {
		h.logger.Error("reconcile failed", "error", err)
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"reconcile finished with errors", map[string]any{"report": report, "cause": err.Error()})
		return
	}
	h.respondJSON(w, http.StatusOK, report)
}
