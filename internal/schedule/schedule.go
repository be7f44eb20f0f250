// Package schedule keeps durable schedule records and the recurring entries
// of the job registry in agreement. The schedule store is the source of
// truth; the registry is treated as a cache of intent that reconciliation
// repairs in both directions.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/lifecycle"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// QueueSchedules is the broker queue recurring entries enqueue onto.
const QueueSchedules = "schedules"

// Schedule errors.
var (
	ErrInvalidSchedule       = errors.New("invalid schedule")
	ErrRegistryInconsistency = errors.New("registry inconsistency")
	ErrWorkflowNotFound      = errors.New("workflow not found")
)

// Registry is the recurring-entry surface of the job registry.
// *jobs.Broker satisfies it.
type Registry interface {
	AddRecurring(ctx context.Context, queue, key string, payload any, repeat jobs.Repeat) (*jobs.RecurringEntry, error)
	RemoveRecurring(ctx context.Context, key string) (bool, error)
	RemoveRecurringByID(ctx context.Context, id string) (bool, error)
	ListRecurring(ctx context.Context) ([]jobs.RecurringEntry, error)
}

// Workflows resolves workflow definitions.
type Workflows interface {
	Get(ctx context.Context, id string) (*flowstore.Flow, error)
}

// Starter creates runs. *lifecycle.Manager satisfies it.
type Starter interface {
	StartRun(ctx context.Context, req lifecycle.StartRequest) (*types.Run, error)
}

// Config holds schedule manager configuration.
type Config struct {
	// ReconcileInterval is the period of the full registry sweep.
	ReconcileInterval time.Duration
	// DrainInterval is the period of the cleanup queue drainer.
	DrainInterval time.Duration
	// Retention is how long processed cleanup records are kept.
	Retention time.Duration
	// DrainBatch bounds cleanup records read per query.
	DrainBatch int
	// Workers is the concurrency of the schedules queue.
	Workers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReconcileInterval: time.Hour,
		DrainInterval:     time.Minute,
		Retention:         7 * 24 * time.Hour,
		DrainBatch:        100,
		Workers:           4,
	}
}

// Manager owns schedule records and their registry entries.
type Manager struct {
	store     schedstore.Store
	registry  Registry
	workflows Workflows
	cfg       *Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a schedule manager. workflows may be nil, in which case
// schedules are accepted without checking the workflow.
func New(store schedstore.Store, registry Registry, workflows Workflows, logger *slog.Logger, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = def.DrainBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		registry:  registry,
		workflows: workflows,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest describes a new schedule.
type CreateRequest struct {
	AgentID         string         `json:"agent_id"`
	ProjectID       string         `json:"project_id,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Cron            string         `json:"cron,omitempty"`
	IntervalSeconds int            `json:"interval_seconds,omitempty"`
	// Enabled defaults to true.
	Enabled *bool `json:"enabled,omitempty"`
}

func repeatOf(s *types.Schedule) jobs.Repeat {
	if s.Cron != "" {
		return jobs.Repeat{Cron: s.Cron}
	}
	return jobs.Repeat{Every: time.Duration(s.IntervalSeconds) * time.Second}
}

func payloadOf(s *types.Schedule) types.SchedulePayload {
	return types.SchedulePayload{
		ScheduleID: s.ScheduleID,
		AgentID:    s.AgentID,
		ProjectID:  s.ProjectID,
		Input:      s.Input,
	}
}

// CreateSchedule writes the schedule record and installs its recurring
// entry. If the entry cannot be installed the record is removed again.
func (m *Manager) CreateSchedule(ctx context.Context, req CreateRequest) (*types.Schedule, error) {
	if m.workflows != nil && req.AgentID != "" {
		flow, err := m.workflows.Get(ctx, req.AgentID)
		if errors.Is(err, flowstore.ErrFlowNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, req.AgentID)
		}
		if err != nil {
			return nil, fmt.Errorf("load workflow: %w", err)
		}
		if req.ProjectID == "" {
			req.ProjectID = flow.ProjectID
		}
	}

	now := m.now().UTC()
	s := &types.Schedule{
		ScheduleID:      uuid.New().String(),
		AgentID:         req.AgentID,
		ProjectID:       req.ProjectID,
		Input:           req.Input,
		Cron:            req.Cron,
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         req.Enabled == nil || *req.Enabled,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := repeatOf(s).Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	if s.Enabled {
		if err := m.install(ctx, s); err != nil {
			if derr := m.store.Delete(ctx, s.ScheduleID); derr != nil {
				m.logger.Error("rollback schedule failed", "schedule_id", s.ScheduleID, "error", derr)
			}
			return nil, err
		}
	}

	m.logger.Info("schedule created",
		"schedule_id", s.ScheduleID,
		"agent_id", s.AgentID,
		"repeat", repeatOf(s).String(),
		"enabled", s.Enabled,
	)
	return s, nil
}

func (m *Manager) install(ctx context.Context, s *types.Schedule) error {
	if _, err := m.registry.AddRecurring(ctx, QueueSchedules, s.RegistryKey(), payloadOf(s), repeatOf(s)); err != nil {
		return fmt.Errorf("install recurring entry: %w", err)
	}
	return nil
}

// RemoveSchedule deletes the schedule record and removes its registry
// entry. Registry failures are logged, not returned.
func (m *Manager) RemoveSchedule(ctx context.Context, scheduleID string) error {
	err := m.store.Delete(ctx, scheduleID)
	if err != nil && !errors.Is(err, schedstore.ErrScheduleNotFound) {
		return fmt.Errorf("delete schedule: %w", err)
	}

	// Clear the registry even when the record is already gone.
	key := types.ScheduleKeyPrefix + scheduleID
	if _, rerr := m.removeEntries(ctx, key); rerr != nil {
		m.logger.Warn("remove recurring entry failed", "schedule_id", scheduleID, "error", rerr)
	}
	if err != nil {
		return err
	}

	m.logger.Info("schedule removed", "schedule_id", scheduleID)
	return nil
}

// removeEntries removes the registry entries of key. Exact-key removal is
// tried first; any entry still matching the key afterwards is removed by
// id, since exact removal is not reliable across registry versions.
func (m *Manager) removeEntries(ctx context.Context, key string) (int, error) {
	removed := 0
	exact, err := m.registry.RemoveRecurring(ctx, key)
	if err != nil {
		m.logger.Warn("exact recurring removal failed", "key", key, "error", err)
	} else if exact {
		removed++
	}

	entries, err := m.registry.ListRecurring(ctx)
	if err != nil {
		return removed, fmt.Errorf("list recurring entries: %w", err)
	}
	for _, e := range entries {
		if !matchesKey(e, key) {
			continue
		}
		if exact {
			m.logger.Warn("recurring entry survived exact removal",
				"key", key,
				"id", e.ID,
				"error", ErrRegistryInconsistency,
			)
		}
		ok, err := m.registry.RemoveRecurringByID(ctx, e.ID)
		if err != nil {
			return removed, fmt.Errorf("remove recurring entry %s: %w", e.ID, err)
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// matchesKey reports whether a registry entry belongs to key, by its key
// or by the key embedded in its id.
func matchesKey(e jobs.RecurringEntry, key string) bool {
	if e.Key == key {
		return true
	}
	return strings.Contains(e.ID, ":"+key+":") || strings.HasSuffix(e.ID, ":"+key)
}

// GetSchedule returns one schedule.
func (m *Manager) GetSchedule(ctx context.Context, scheduleID string) (*types.Schedule, error) {
	return m.store.Get(ctx, scheduleID)
}

// ListSchedules returns schedules ordered by creation time.
func (m *Manager) ListSchedules(ctx context.Context, opts schedstore.ListOptions) ([]*types.Schedule, error) {
	return m.store.List(ctx, opts)
}

// SetEnabled pauses or resumes a schedule.
func (m *Manager) SetEnabled(ctx context.Context, scheduleID string, enabled bool) (*types.Schedule, error) {
	s, err := m.store.Get(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if s.Enabled == enabled {
		return s, nil
	}

	s.Enabled = enabled
	s.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, s); err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}

	if enabled {
		if err := m.install(ctx, s); err != nil {
			m.logger.Warn("install on resume failed, reconciliation will retry", "schedule_id", scheduleID, "error", err)
		}
	} else if _, err := m.removeEntries(ctx, s.RegistryKey()); err != nil {
		m.logger.Warn("remove on pause failed, reconciliation will retry", "schedule_id", scheduleID, "error", err)
	}

	m.logger.Info("schedule updated", "schedule_id", scheduleID, "enabled", enabled)
	return s, nil
}

// OnWorkflowDeleted removes the workflow's schedules and queues one cleanup
// record each. Registry entries are removed later by the drainer.
func (m *Manager) OnWorkflowDeleted(ctx context.Context, agentID string) (int, error) {
	deleted, err := m.store.DeleteByWorkflow(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("delete schedules of workflow %s: %w", agentID, err)
	}
	if len(deleted) > 0 {
		m.logger.Info("schedules cascaded", "agent_id", agentID, "count", len(deleted))
	}
	return len(deleted), nil
}

// CleanupWorkflow handles a workflow found missing at dispatch time: its
// schedules are cascaded, the cleanup queue is drained, and any registry
// entry still carrying the workflow id is removed.
func (m *Manager) CleanupWorkflow(ctx context.Context, agentID string) error {
	if _, err := m.OnWorkflowDeleted(ctx, agentID); err != nil {
		return err
	}
	if _, err := m.DrainCleanups(ctx); err != nil {
		m.logger.Warn("drain cleanups failed", "agent_id", agentID, "error", err)
	}

	entries, err := m.registry.ListRecurring(ctx)
	if err != nil {
		return fmt.Errorf("list recurring entries: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, types.ScheduleKeyPrefix) {
			continue
		}
		var p types.SchedulePayload
		if err := decodePayload(e, &p); err != nil || p.AgentID != agentID {
			continue
		}
		if _, err := m.registry.RemoveRecurringByID(ctx, e.ID); err != nil {
			m.logger.Warn("remove orphaned entry failed", "id", e.ID, "error", err)
			continue
		}
		m.logger.Info("orphaned recurring entry removed", "id", e.ID, "agent_id", agentID)
	}
	return nil
}

// Register installs the schedules queue worker pool on the broker. It
// must run before any recurring entry is added.
func (m *Manager) Register(b *jobs.Broker, starter Starter) {
	b.Process(QueueSchedules, m.cfg.Workers, m.FireHandler(starter))
}

// FireHandler returns the job handler for schedule firings. Each firing
// creates a new scheduled run from the stored schedule. A firing for a
// schedule that no longer exists removes its stray entry instead.
func (m *Manager) FireHandler(starter Starter) jobs.HandlerFunc {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		var p types.SchedulePayload
		if err := job.Decode(&p); err != nil {
			return nil, jobs.Permanent(fmt.Errorf("decode schedule payload: %w", err))
		}

		s, err := m.store.Get(ctx, p.ScheduleID)
		if errors.Is(err, schedstore.ErrScheduleNotFound) {
			m.logger.Warn("stray recurring entry fired", "schedule_id", p.ScheduleID, "agent_id", p.AgentID)
			if _, err := m.removeEntries(ctx, types.ScheduleKeyPrefix+p.ScheduleID); err != nil {
				m.logger.Warn("remove stray entry failed", "schedule_id", p.ScheduleID, "error", err)
			}
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load schedule: %w", err)
		}
		if !s.Enabled {
			m.logger.Debug("disabled schedule fired", "schedule_id", s.ScheduleID)
			if _, err := m.removeEntries(ctx, s.RegistryKey()); err != nil {
				m.logger.Warn("remove paused entry failed", "schedule_id", s.ScheduleID, "error", err)
			}
			return nil, nil
		}

		run, err := starter.StartRun(ctx, lifecycle.StartRequest{
			AgentID:    s.AgentID,
			ProjectID:  s.ProjectID,
			Input:      s.Input,
			Scheduled:  true,
			ScheduleID: s.ScheduleID,
		})
		if err != nil {
			return nil, jobs.Permanent(fmt.Errorf("start scheduled run: %w", err))
		}
		m.logger.Info("scheduled run started", "schedule_id", s.ScheduleID, "run_id", run.RunID)
		return run.RunID, nil
	}
}
