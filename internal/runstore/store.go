// Package runstore provides run persistence, step log trails and event streaming.
package runstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound       = errors.New("run not found")
	ErrRunExists         = errors.New("run already exists")
	ErrInvalidTransition = errors.New("invalid run status transition")
)

// RunStore defines the interface for run persistence and event streaming.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// CreateRun stores a new run. RunID must be set by the caller.
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, runID string) (*types.Run, error)
	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter ListFilter) ([]*types.Run, error)
	// UpdateRunStatus applies a status transition. Transitions the state
	// machine rejects return ErrInvalidTransition; re-applying the current
	// status is accepted.
	UpdateRunStatus(ctx context.Context, runID string, update types.StatusUpdate) error
	// AppendStepLog appends to the run's step trail.
	AppendStepLog(ctx context.Context, runID string, log types.StepLog) error

	// AppendEvent adds an event to the run's event stream and returns the created event.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all events from the beginning.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	// The channel is closed after a terminal run_status event is delivered.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]any, error)

	// Cleanup
	Close() error
}

// ListFilter narrows ListRuns. Zero values match everything.
type ListFilter struct {
	ProjectID string
	AgentID   string
	Status    types.RunStatus
	Limit     int
}

func (f ListFilter) match(r *types.Run) bool {
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}

// applyStatus mutates run according to update after validating the transition.
func applyStatus(run *types.Run, update types.StatusUpdate) error {
	if !run.Status.CanTransition(update.Status) {
		return &TransitionError{RunID: run.RunID, From: run.Status, To: update.Status}
	}
	run.Status = update.Status
	if update.StartedAt != nil {
		run.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		run.CompletedAt = update.CompletedAt
	}
	if update.Error != "" {
		run.Error = update.Error
	}
	return nil
}

// TransitionError reports a rejected status change.
type TransitionError struct {
	RunID string
	From  types.RunStatus
	To    types.RunStatus
}

func (e *TransitionError) Error() string {
	return "run " + e.RunID + ": cannot move from " + string(e.From) + " to " + string(e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// isTerminalStatusEvent reports whether ev announces a final run status.
// Subscriptions end after such an event.
func isTerminalStatusEvent(ev *types.Event) bool {
	if ev.Type != types.EventTypeRunStatus {
		return false
	}
	var payload types.RunStatusEvent
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return false
	}
	return payload.Status.IsTerminal()
}

func cloneRun(r *types.Run) *types.Run {
	out := *r
	out.Results.Steps = append([]types.StepLog(nil), r.Results.Steps...)
	return &out
}
