package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of event.
type EventType string

const (
	EventTypeRunStatus     EventType = "run_status"
	EventTypeNodeStarted   EventType = "node_started"
	EventTypeNodeCompleted EventType = "node_completed"
	EventTypeNodeFailed    EventType = "node_failed"
	EventTypeNodeSkipped   EventType = "node_skipped"
	EventTypeLog           EventType = "log"
	EventTypeError         EventType = "error"

	// Control flow events
	EventTypeConditionEvaluated EventType = "condition_evaluated"
	EventTypeBranchSelected     EventType = "branch_selected"
)

// LogLevel represents the severity of a log event.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Event represents a single event in a run's event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Data   any       `json:"data,omitempty"`
}

// LogEvent represents the data payload for log events.
type LogEvent struct {
	Level   LogLevel          `json:"level"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// NodeEvent is the payload of node_* events.
type NodeEvent struct {
	Name       string `json:"name,omitempty"`
	Type       string `json:"type"`
	Iteration  int    `json:"iteration"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunStatusEvent represents the data payload for run status change events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// BranchEvent is the payload of branch_selected events.
type BranchEvent struct {
	Branch     string `json:"branch"`
	Expression string `json:"expression,omitempty"`
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
