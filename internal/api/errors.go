package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/lifecycle"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedule"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/tenants"
)

// Error codes for consistent error identification.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeConflict       = "conflict"
	ErrCodeForbidden      = "forbidden"
	ErrCodeValidation     = "validation_failed"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string         `json:"error"`                // Short error code
	Message   string         `json:"message"`              // Human-readable message
	Details   map[string]any `json:"details,omitempty"`    // Optional additional details
	RequestID string         `json:"request_id,omitempty"` // Request ID for correlation
}

type requestIDContextKey struct{}

// RequestIDKey is the exported context key for request ID.
var RequestIDKey = requestIDContextKey{}

// GetRequestID retrieves the request ID from context or request header.
func GetRequestID(ctx context.Context, r *http.Request) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return id
	}
	return r.Header.Get("X-Request-ID")
}

// HTTPStatusToErrorCode maps HTTP status codes to error codes.
func HTTPStatusToErrorCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusUnprocessableEntity:
		return ErrCodeValidation
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavail
	default:
		return ErrCodeInternalError
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, flowstore.ErrFlowNotFound),
		errors.Is(err, lifecycle.ErrWorkflowNotFound),
		errors.Is(err, schedule.ErrWorkflowNotFound),
		errors.Is(err, runstore.ErrRunNotFound),
		errors.Is(err, schedstore.ErrScheduleNotFound),
		errors.Is(err, tenants.ErrProjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, flowstore.ErrFlowExists),
		errors.Is(err, schedstore.ErrScheduleExists),
		errors.Is(err, tenants.ErrProjectExists),
		errors.Is(err, lifecycle.ErrNotResumable),
		errors.Is(err, runstore.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, schedule.ErrInvalidSchedule):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorResponse writes a standardized JSON error response.
func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code string, message string, details map[string]any) {
	requestID := GetRequestID(r.Context(), r)

	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		Details:   details,
		RequestID: requestID,
	}

	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
