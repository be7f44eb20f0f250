// Package lifecycle owns run creation, dispatch and the queued -> running ->
// completed|failed state machine around orchestrator execution.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/orchestrator"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/tenants"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// QueueRuns is the broker queue that dispatches whole runs.
const QueueRuns = "runs"

// Lifecycle errors.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrInvalidTransition = runstore.ErrInvalidTransition
	ErrNotResumable      = errors.New("run is not resumable")
)

// Workflows resolves workflow definitions. flowstore.FlowStore satisfies it.
type Workflows interface {
	Get(ctx context.Context, id string) (*flowstore.Flow, error)
}

// Engine executes one workflow graph.
type Engine interface {
	Execute(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error)
}

// Queue submits run jobs.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any, policy jobs.RetryPolicy) (*jobs.Handle, error)
}

// UsageRecorder persists usage counters and evaluates thresholds.
type UsageRecorder interface {
	Record(ctx context.Context, projectID string, counters types.UsageCounters) ([]tenants.Crossing, error)
}

// OrphanCleaner removes schedules of a workflow that no longer exists.
type OrphanCleaner interface {
	CleanupWorkflow(ctx context.Context, agentID string) error
}

// Archiver exports terminal runs.
type Archiver interface {
	ArchiveRun(ctx context.Context, run *types.Run) error
}

// Deps are the collaborators of a Manager. Usage, Orphans and Archiver
// are optional.
type Deps struct {
	Runs      runstore.RunStore
	Workflows Workflows
	Engine    Engine
	Queue     Queue
	Usage     UsageRecorder
	Orphans   OrphanCleaner
	Archiver  Archiver
}

// Config holds lifecycle configuration.
type Config struct {
	// RunWorkers is the concurrency of the runs queue.
	RunWorkers int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{RunWorkers: 8}
}

// Manager creates and drives runs.
type Manager struct {
	deps   Deps
	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a lifecycle manager.
func New(deps Deps, logger *slog.Logger, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("automations/lifecycle"),
	}
}

// StartRequest asks for a new run of a workflow.
type StartRequest struct {
	AgentID    string         `json:"agent_id"`
	ProjectID  string         `json:"project_id,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Scheduled  bool           `json:"scheduled,omitempty"`
	ScheduleID string         `json:"schedule_id,omitempty"`
	ResumeOf   string         `json:"resume_of,omitempty"`
}

type runJob struct {
	RunID string `json:"run_id"`
}

// StartRun creates a queued run and submits it to the runs queue.
// Interactive starts require the workflow to exist; scheduled starts defer
// that check to dispatch so stale registry entries get cleaned up there.
func (m *Manager) StartRun(ctx context.Context, req StartRequest) (*types.Run, error) {
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrWorkflowNotFound)
	}
	if !req.Scheduled {
		flow, err := m.deps.Workflows.Get(ctx, req.AgentID)
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

	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	run := &types.Run{
		RunID:      uuid.New().String(),
		AgentID:    req.AgentID,
		ProjectID:  req.ProjectID,
		Input:      input,
		Status:     types.RunStatusQueued,
		Scheduled:  req.Scheduled,
		ScheduleID: req.ScheduleID,
		ResumeOf:   req.ResumeOf,
		Results:    types.RunResults{Steps: []types.StepLog{}},
	}
	if err := m.deps.Runs.CreateRun(ctx, run); err != nil {
		metrics.RunStoreOperations.WithLabelValues("create", "error").Inc()
		return nil, fmt.Errorf("create run: %w", err)
	}
	metrics.RunStoreOperations.WithLabelValues("create", "success").Inc()
	m.emit(ctx, run.RunID, types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: types.RunStatusQueued}})

	if _, err := m.deps.Queue.Enqueue(ctx, QueueRuns, runJob{RunID: run.RunID}, jobs.RetryPolicy{Attempts: 1}); err != nil {
		m.finish(ctx, run.RunID, types.RunStatusFailed, fmt.Sprintf("dispatch failed: %v", err))
		return nil, fmt.Errorf("enqueue run: %w", err)
	}

	m.logger.Info("run queued",
		"run_id", run.RunID,
		"agent_id", run.AgentID,
		"project_id", run.ProjectID,
		"scheduled", run.Scheduled,
	)
	return run, nil
}

// Resume starts a fresh run of a failed run's workflow with the same
// input. The original run is not modified.
func (m *Manager) Resume(ctx context.Context, runID string) (*types.Run, error) {
	orig, err := m.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if orig.Status != types.RunStatusFailed {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotResumable, runID, orig.Status)
	}
	return m.StartRun(ctx, StartRequest{
		AgentID:   orig.AgentID,
		ProjectID: orig.ProjectID,
		Input:     orig.Input,
		ResumeOf:  orig.RunID,
	})
}

// GetRun returns a run with its step trail.
func (m *Manager) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	return m.deps.Runs.GetRun(ctx, runID)
}

// ListRuns lists runs, newest first.
func (m *Manager) ListRuns(ctx context.Context, filter runstore.ListFilter) ([]*types.Run, error) {
	return m.deps.Runs.ListRuns(ctx, filter)
}

// Register installs the runs queue worker pool on the broker.
func (m *Manager) Register(b *jobs.Broker) {
	b.Process(QueueRuns, m.cfg.RunWorkers, m.handle)
}

func (m *Manager) handle(ctx context.Context, job *jobs.Job) (any, error) {
	var rj runJob
	if err := job.Decode(&rj); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("decode run job: %w", err))
	}
	if err := m.Execute(ctx, rj.RunID); err != nil {
		// A run is never redelivered; its failure is recorded on the run.
		return nil, jobs.Permanent(err)
	}
	return rj.RunID, nil
}

// Execute dispatches a queued run: it resolves the workflow, runs the
// graph and records the terminal state. A run already in a terminal state
// is left untouched. The returned error covers only infrastructure
// failures; workflow failures are recorded on the run.
func (m *Manager) Execute(ctx context.Context, runID string) error {
	run, err := m.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		m.logger.Debug("run already finished", "run_id", runID, "status", run.Status)
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.RunID),
			attribute.String("agent.id", run.AgentID),
			attribute.Bool("run.scheduled", run.Scheduled),
		),
	)
	defer span.End()

	flow, err := m.deps.Workflows.Get(ctx, run.AgentID)
	if errors.Is(err, flowstore.ErrFlowNotFound) {
		m.orphaned(ctx, run)
		span.SetStatus(codes.Error, "workflow not found")
		return m.finish(ctx, runID, types.RunStatusFailed, fmt.Sprintf("%v: %s", ErrWorkflowNotFound, run.AgentID))
	}
	if err != nil {
		m.finish(ctx, runID, types.RunStatusFailed, fmt.Sprintf("load workflow: %v", err))
		return fmt.Errorf("load workflow: %w", err)
	}

	started := time.Now().UTC()
	if err := m.deps.Runs.UpdateRunStatus(ctx, runID, types.StatusUpdate{Status: types.RunStatusRunning, StartedAt: &started}); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	m.emit(ctx, runID, types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: types.RunStatusRunning}})
	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	m.logger.Info("run started", "run_id", runID, "agent_id", run.AgentID, "project_id", run.ProjectID)

	result, execErr := m.deps.Engine.Execute(ctx, &orchestrator.Request{
		RunID:     runID,
		ProjectID: run.ProjectID,
		Workflow:  flow.Definition,
		Input:     run.Input,
		Sink:      &runSink{m: m},
	})
	elapsed := time.Since(started)

	var logs []types.StepLog
	if result != nil {
		logs = result.Logs
	}
	m.recordUsage(ctx, run.ProjectID, UsageFromLogs(logs, elapsed))

	status := types.RunStatusCompleted
	msg := ""
	if execErr != nil {
		status = types.RunStatusFailed
		msg = execErr.Error()
		span.RecordError(execErr)
		span.SetStatus(codes.Error, msg)
	}
	metrics.RunDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
	return m.finish(ctx, runID, status, msg)
}

// orphaned handles a run whose workflow was deleted: the workflow's
// schedules are cleaned up before the run fails.
func (m *Manager) orphaned(ctx context.Context, run *types.Run) {
	m.logger.Warn("workflow missing at dispatch",
		"run_id", run.RunID,
		"agent_id", run.AgentID,
		"schedule_id", run.ScheduleID,
	)
	if m.deps.Orphans == nil {
		return
	}
	if err := m.deps.Orphans.CleanupWorkflow(ctx, run.AgentID); err != nil {
		m.logger.Error("orphan schedule cleanup failed", "agent_id", run.AgentID, "error", err)
	}
}

// finish records a terminal status, emits the final event and archives.
func (m *Manager) finish(ctx context.Context, runID string, status types.RunStatus, msg string) error {
	now := time.Now().UTC()
	err := m.deps.Runs.UpdateRunStatus(ctx, runID, types.StatusUpdate{Status: status, CompletedAt: &now, Error: msg})
	if err != nil {
		metrics.RunStoreOperations.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("mark %s: %w", status, err)
	}
	metrics.RunStoreOperations.WithLabelValues("update", "success").Inc()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	m.emit(ctx, runID, types.EventInput{Type: types.EventTypeRunStatus, Data: types.RunStatusEvent{Status: status, Error: msg}})

	if status == types.RunStatusFailed {
		m.logger.Warn("run failed", "run_id", runID, "error", msg)
	} else {
		m.logger.Info("run completed", "run_id", runID)
	}

	if m.deps.Archiver != nil {
		if run, err := m.deps.Runs.GetRun(ctx, runID); err == nil {
			if err := m.deps.Archiver.ArchiveRun(ctx, run); err != nil {
				m.logger.Warn("archive run failed", "run_id", runID, "error", err)
			}
		}
	}
	return nil
}

func (m *Manager) recordUsage(ctx context.Context, projectID string, counters types.UsageCounters) {
	if m.deps.Usage == nil || projectID == "" {
		return
	}
	if _, err := m.deps.Usage.Record(ctx, projectID, counters); err != nil {
		m.logger.Error("record usage failed", "project_id", projectID, "error", err)
	}
}

func (m *Manager) emit(ctx context.Context, runID string, ev types.EventInput) {
	if _, err := m.deps.Runs.AppendEvent(ctx, runID, &ev); err != nil {
		m.logger.Warn("append event failed", "run_id", runID, "type", ev.Type, "error", err)
		return
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
}
