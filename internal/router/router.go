// Package router classifies steps into latency classes and submits them to
// the matching worker queue with that class's retry policy.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/steps"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// ErrQuotaExceeded is returned when a messaging step would exceed the
// project's monthly plan limit on platform credentials.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Queue names.
const (
	QueueFast = "steps-fast"
	QueueSlow = "steps-slow"
)

// Class is a latency class.
type Class string

const (
	ClassFast Class = "fast"
	ClassSlow Class = "slow"
)

var slowTypes = map[string]bool{
	types.StepDelay:    true,
	types.StepLongPoll: true,
}

var messagingTypes = map[string]bool{
	types.StepEmail: true,
	types.StepSMS:   true,
}

// IsMessaging reports whether the step type is subject to usage limits.
func IsMessaging(stepType string) bool {
	return messagingTypes[stepType]
}

// Policy is the routing decision for a step type.
type Policy struct {
	Class Class
	Queue string
	Retry jobs.RetryPolicy
}

// Config holds per-class worker and retry settings.
type Config struct {
	FastWorkers  int
	FastAttempts int
	FastBackoff  time.Duration
	FastTimeout  time.Duration

	SlowWorkers  int
	SlowAttempts int
	SlowBackoff  time.Duration
	SlowTimeout  time.Duration

	MaxBackoff time.Duration
}

// DefaultConfig returns the standard fast/slow policies.
func DefaultConfig() *Config {
	return &Config{
		FastWorkers:  16,
		FastAttempts: 3,
		FastBackoff:  2 * time.Second,
		FastTimeout:  30 * time.Second,
		SlowWorkers:  4,
		SlowAttempts: 5,
		SlowBackoff:  5 * time.Second,
		SlowTimeout:  15 * time.Minute,
		MaxBackoff:   5 * time.Minute,
	}
}

// UsagePolicy answers quota questions for a project and channel.
type UsagePolicy interface {
	// HasOwnCredentials reports a project-level credential override.
	HasOwnCredentials(ctx context.Context, projectID, channel string) (bool, error)
	// WithinLimit reports whether monthly usage is below the plan limit.
	WithinLimit(ctx context.Context, projectID, channel string) (bool, error)
}

// Queue is the part of the job broker the router submits to.
type Queue interface {
	Enqueue(ctx context.Context, queue string, payload any, policy jobs.RetryPolicy) (*jobs.Handle, error)
	AwaitResult(ctx context.Context, h *jobs.Handle) (any, error)
}

// Handle is an in-flight routed step.
type Handle struct {
	job    *jobs.Handle
	policy Policy
	start  time.Time
}

// Class returns the latency class the step was routed to.
func (h *Handle) Class() Class { return h.policy.Class }

// Router routes step tasks to the fast or slow queue.
type Router struct {
	queue  Queue
	usage  UsagePolicy
	cfg    *Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a router. usage may be nil to disable quota checks.
func New(queue Queue, usage UsagePolicy, logger *slog.Logger, cfg *Config) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		queue:  queue,
		usage:  usage,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("automations/router"),
	}
}

// Classify returns the policy for a step type. Unknown types are fast.
func (r *Router) Classify(stepType string) Policy {
	if slowTypes[stepType] {
		return Policy{
			Class: ClassSlow,
			Queue: QueueSlow,
			Retry: jobs.RetryPolicy{
				Attempts:   r.cfg.SlowAttempts,
				Backoff:    r.cfg.SlowBackoff,
				MaxBackoff: r.cfg.MaxBackoff,
				Timeout:    r.cfg.SlowTimeout,
			},
		}
	}
	return Policy{
		Class: ClassFast,
		Queue: QueueFast,
		Retry: jobs.RetryPolicy{
			Attempts:   r.cfg.FastAttempts,
			Backoff:    r.cfg.FastBackoff,
			MaxBackoff: r.cfg.MaxBackoff,
			Timeout:    r.cfg.FastTimeout,
		},
	}
}

// CheckQuota is the synchronous usage-limit check for messaging steps. It
// returns ErrQuotaExceeded when the step relies on platform credentials and
// the project is at or above its monthly limit for the channel.
func (r *Router) CheckQuota(ctx context.Context, task *types.StepTask) error {
	stepType := task.Node.Type
	if r.usage == nil || !IsMessaging(stepType) {
		return nil
	}
	if steps.ResolvesOwnCredentials(stepType, task.Node.Config, task.Context) {
		return nil
	}

	own, err := r.usage.HasOwnCredentials(ctx, task.ProjectID, stepType)
	if err != nil {
		return fmt.Errorf("check credentials: %w", err)
	}
	if own {
		return nil
	}

	ok, err := r.usage.WithinLimit(ctx, task.ProjectID, stepType)
	if err != nil {
		return fmt.Errorf("check usage: %w", err)
	}
	if !ok {
		metrics.QuotaRejections.WithLabelValues(stepType).Inc()
		return fmt.Errorf("%w: project %s reached its monthly %s limit", ErrQuotaExceeded, task.ProjectID, stepType)
	}
	return nil
}

// Route checks quota and submits the task to its class queue.
func (r *Router) Route(ctx context.Context, task *types.StepTask) (*Handle, error) {
	if err := r.CheckQuota(ctx, task); err != nil {
		return nil, err
	}

	policy := r.Classify(task.Node.Type)
	h, err := r.queue.Enqueue(ctx, policy.Queue, task, policy.Retry)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Node.ID, err)
	}

	r.logger.Debug("step routed",
		"run_id", task.RunID,
		"node_id", task.Node.ID,
		"type", task.Node.Type,
		"class", policy.Class,
	)
	return &Handle{job: h, policy: policy, start: time.Now()}, nil
}

// Await waits for a routed step and wraps its outcome.
func (r *Router) Await(ctx context.Context, h *Handle) *types.StepResult {
	v, err := r.queue.AwaitResult(ctx, h.job)
	elapsed := time.Since(h.start)
	metrics.StepDuration.WithLabelValues(string(h.policy.Class)).Observe(elapsed.Seconds())

	res := &types.StepResult{Err: err, Duration: elapsed}
	if err != nil {
		return res
	}
	if out, ok := v.(map[string]any); ok {
		res.Output = out
	} else if v != nil {
		res.Output = map[string]any{"result": v}
	}
	return res
}

// Execute routes a task and waits for its result.
func (r *Router) Execute(ctx context.Context, task *types.StepTask) *types.StepResult {
	start := time.Now()
	h, err := r.Route(ctx, task)
	if err != nil {
		return &types.StepResult{Err: err, Duration: time.Since(start)}
	}
	return r.Await(ctx, h)
}

// Worker is the broker side of the router: it registers the fast and slow
// worker pools and runs each task through the step executor.
type Worker struct {
	exec   steps.Executor
	logger *slog.Logger
	tracer trace.Tracer
}

// Register installs the fast and slow worker pools on the broker.
func (r *Router) Register(b *jobs.Broker, exec steps.Executor) {
	w := &Worker{exec: exec, logger: r.logger, tracer: r.tracer}
	b.Process(QueueFast, r.cfg.FastWorkers, w.Handle)
	b.Process(QueueSlow, r.cfg.SlowWorkers, w.Handle)
}

// Handle executes one step job.
func (w *Worker) Handle(ctx context.Context, job *jobs.Job) (any, error) {
	var task types.StepTask
	if err := job.Decode(&task); err != nil {
		return nil, jobs.Permanent(fmt.Errorf("decode step task: %w", err))
	}

	ctx, span := w.tracer.Start(ctx, "step "+task.Node.Type,
		trace.WithAttributes(
			attribute.String("run.id", task.RunID),
			attribute.String("node.id", task.Node.ID),
			attribute.String("step.type", task.Node.Type),
			attribute.Int("job.attempt", job.Attempt),
		),
	)
	defer span.End()

	out, err := w.exec.Execute(ctx, task.Node.Type, task.Node.Config, task.Context)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Debug("step attempt failed",
			"run_id", task.RunID,
			"node_id", task.Node.ID,
			"attempt", job.Attempt,
			"error", err,
		)
		if steps.IsPermanent(err) {
			return nil, jobs.Permanent(err)
		}
		return nil, err
	}
	return out, nil
}
