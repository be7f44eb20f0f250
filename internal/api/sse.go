package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// eventStreamEnd is the synthetic last event of every stream.
const eventStreamEnd types.EventType = "stream_end"

var sseHeartbeat = 15 * time.Second

// StreamEvents handles GET /api/v1/runs/{id}/events
// It streams the run's events as Server-Sent Events: the stored history
// (after Last-Event-ID when the client resumes), then live events until the
// run reaches a terminal status.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := mux.Vars(r)["id"]
	startTime := time.Now()
	requestID := GetRequestID(ctx, r)

	if _, err := h.deps.Events.GetRun(ctx, runID); err != nil {
		h.respondDomainError(w, r, "failed to get run", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.respondError(w, r, http.StatusInternalServerError, "streaming not supported", nil)
		return
	}

	// Subscribe before reading history so nothing falls between the two.
	eventCh, cleanup, err := h.deps.Events.Subscribe(ctx, runID)
	if err != nil {
		h.respondError(w, r, http.StatusInternalServerError, "failed to subscribe to events", err)
		return
	}
	defer cleanup()

	metrics.SSEActiveConnections.Inc()
	defer metrics.SSEActiveConnections.Dec()

	h.logger.Info("SSE connection opened",
		slog.String("run_id", runID),
		slog.String("request_id", requestID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.writeSSE(w, flusher, &types.Event{
		ID:        "0",
		RunID:     runID,
		Type:      "hello",
		Timestamp: time.Now().UTC(),
	})

	sent := make(map[string]bool)
	history, err := h.deps.Events.GetEventsSince(ctx, runID, r.Header.Get("Last-Event-ID"))
	if err != nil {
		h.logger.Error("failed to get historical events", "error", err, "run_id", runID)
	}
	for _, evt := range history {
		sent[evt.ID] = true
		h.writeSSE(w, flusher, evt)
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	closed := func(reason string) {
		duration := time.Since(startTime)
		metrics.SSEConnectionDuration.Observe(duration.Seconds())
		h.logger.Info("SSE connection closed",
			slog.String("run_id", runID),
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("reason", reason),
		)
	}

	for {
		select {
		case <-ctx.Done():
			closed("client_disconnect")
			return

		case evt, ok := <-eventCh:
			if !ok {
				h.sendStreamEnd(ctx, w, flusher, runID)
				closed("run_completed")
				return
			}
			if sent[evt.ID] {
				continue
			}
			h.writeSSE(w, flusher, evt)

		case <-heartbeat.C:
			h.writeComment(w, flusher, "heartbeat")
		}
	}
}

// writeSSE writes an event in SSE format and flushes.
func (h *Handlers) writeSSE(w http.ResponseWriter, flusher http.Flusher, evt *types.Event) {
	if evt == nil {
		return
	}
	if _, err := w.Write(evt.ToSSE()); err != nil {
		h.logger.Debug("failed to write SSE event", "error", err)
		return
	}
	flusher.Flush()
}

// writeComment writes an SSE comment (for heartbeats).
func (h *Handlers) writeComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		h.logger.Debug("failed to write SSE comment", "error", err)
		return
	}
	flusher.Flush()
}

// sendStreamEnd sends the final event carrying the run's terminal status.
func (h *Handlers) sendStreamEnd(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, runID string) {
	evt := &types.Event{
		ID:        "final",
		RunID:     runID,
		Type:      eventStreamEnd,
		Timestamp: time.Now().UTC(),
	}
	if run, err := h.deps.Events.GetRun(ctx, runID); err != nil {
		h.logger.Error("failed to get run for stream end", "error", err, "run_id", runID)
	} else {
		evt.Data, _ = json.Marshal(types.RunStatusEvent{Status: run.Status, Error: run.Error})
	}
	h.writeSSE(w, flusher, evt)
}
