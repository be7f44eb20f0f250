package types

import (
	"errors"
	"time"
)

// ScheduleKeyPrefix prefixes every recurring registry key owned by a schedule.
const ScheduleKeyPrefix = "schedule_"

// Schedule is a durable recurring trigger for a workflow.
type Schedule struct {
	ScheduleID      string         `json:"schedule_id"`
	AgentID         string         `json:"agent_id"`
	ProjectID       string         `json:"project_id"`
	Input           map[string]any `json:"input,omitempty"`
	Cron            string         `json:"cron,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	Enabled         bool           `json:"enabled"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RegistryKey returns the deterministic recurring-entry key for the schedule.
func (s *Schedule) RegistryKey() string {
	return ScheduleKeyPrefix + s.ScheduleID
}

// Validate checks the cron/interval exclusivity and required references.
func (s *Schedule) Validate() error {
	if s.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if s.ProjectID == "" {
		return errors.New("project_id is required")
	}
	hasCron := s.Cron != ""
	hasInterval := s.IntervalSeconds != 0
	switch {
	case hasCron && hasInterval:
		return errors.New("exactly one of cron or interval_seconds must be set, not both")
	case !hasCron && !hasInterval:
		return errors.New("exactly one of cron or interval_seconds must be set")
	case s.IntervalSeconds < 0:
		return errors.New("interval_seconds must be positive")
	}
	return nil
}

// SchedulePayload is carried by a recurring registry entry and handed back
// on every firing.
type SchedulePayload struct {
	ScheduleID string         `json:"schedule_id"`
	AgentID    string         `json:"agent_id"`
	ProjectID  string         `json:"project_id"`
	Input      map[string]any `json:"input,omitempty"`
}

// ScheduleCleanup is a queued request to remove a schedule's registry entry
// after the schedule record was deleted.
type ScheduleCleanup struct {
	ID          string     `json:"id"`
	ScheduleID  string     `json:"schedule_id"`
	AgentID     string     `json:"agent_id"`
	DeletedAt   time.Time  `json:"deleted_at"`
	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
