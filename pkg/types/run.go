package types

import (
	"time"
)

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// CanTransition reports whether the state machine allows s -> next.
// Re-applying the current state is accepted so upserts stay idempotent.
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case RunStatusQueued:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusCompleted || next == RunStatusFailed
	default:
		return false
	}
}

// StepStatus is the outcome of a single step execution.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
)

// Run is a single execution attempt of a workflow.
type Run struct {
	RunID       string         `json:"run_id"`
	AgentID     string         `json:"agent_id"`
	ProjectID   string         `json:"project_id"`
	Input       map[string]any `json:"input,omitempty"`
	Status      RunStatus      `json:"status"`
	Scheduled   bool           `json:"scheduled,omitempty"`
	ScheduleID  string         `json:"schedule_id,omitempty"`
	ResumeOf    string         `json:"resume_of,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Results     RunResults     `json:"results"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RunResults aggregates per-step logs in completion order.
type RunResults struct {
	Steps []StepLog `json:"steps"`
}

// StepLog records one executed node. Config is redacted of secrets.
type StepLog struct {
	NodeID     string         `json:"node_id"`
	Type       string         `json:"type"`
	Config     map[string]any `json:"config,omitempty"`
	Status     StepStatus     `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StatusUpdate describes a run state transition to persist.
type StatusUpdate struct {
	Status      RunStatus
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// StepTask is the unit of work handed to the step router.
type StepTask struct {
	RunID     string         `json:"run_id"`
	ProjectID string         `json:"project_id"`
	Node      Node           `json:"node"`
	Context   map[string]any `json:"context"`
}

// StepResult is the outcome of one routed step.
type StepResult struct {
	Output   map[string]any
	Err      error
	Duration time.Duration
}

// UsageCounters are the per-project usage figures derived from step logs.
// Keys are counter names such as "steps" or "emails".
type UsageCounters map[string]int64

// Usage counter names.
const (
	CounterRuns             = "runs"
	CounterSteps            = "steps"
	CounterHTTPCalls        = "http_calls"
	CounterEmails           = "emails"
	CounterSMS              = "sms"
	CounterLLMCalls         = "llm_calls"
	CounterDatabaseQueries  = "db_queries"
	CounterExecutionSeconds = "execution_seconds"
)
