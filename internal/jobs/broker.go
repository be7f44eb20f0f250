// Package jobs is an in-process job broker with named queues, per-queue
// worker pools, retry with exponential backoff and cron-driven recurring
// entries.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
)

// Common errors.
var (
	ErrUnknownQueue  = errors.New("unknown queue")
	ErrBrokerStopped = errors.New("broker stopped")
	ErrQueueFull     = errors.New("queue full")
)

// RetryPolicy controls how many times a job runs and how long to wait
// between attempts. The wait before attempt n+1 is Backoff * 2^(n-1).
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Timeout bounds a single attempt; zero means no deadline.
	Timeout time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	d := p.Backoff << shift
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Job is a single unit of queued work.
type Job struct {
	ID         string
	Queue      string
	Payload    json.RawMessage
	Attempt    int
	Policy     RetryPolicy
	EnqueuedAt time.Time

	handle *Handle
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// HandlerFunc processes a job. Returning an error wrapped with Permanent
// stops further attempts.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

// Handle tracks the final outcome of an enqueued job.
type Handle struct {
	JobID string
	Queue string

	done     chan struct{}
	once     sync.Once
	result   any
	err      error
	attempts int
}

func newHandle(jobID, queue string) *Handle {
	return &Handle{JobID: jobID, Queue: queue, done: make(chan struct{})}
}

func (h *Handle) finish(result any, err error, attempts int) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		h.attempts = attempts
		close(h.done)
	})
}

// Done is closed once the job succeeded or exhausted its attempts.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Attempts returns how many times the job ran. Valid after Done.
func (h *Handle) Attempts() int {
	<-h.done
	return h.attempts
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Config holds broker settings.
type Config struct {
	// QueueSize is the buffer of each named queue.
	QueueSize int
	// DefaultConcurrency is used when Process is given a non-positive value.
	DefaultConcurrency int
}

// DefaultConfig returns broker defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:          1024,
		DefaultConcurrency: 4,
	}
}

type queue struct {
	name        string
	ch          chan *Job
	handler     HandlerFunc
	concurrency int
}

// Broker owns the named queues and the recurring scheduler.
type Broker struct {
	cfg    *Config
	logger *slog.Logger
	store  RecurringStore

	mu      sync.RWMutex
	queues  map[string]*queue
	started bool
	stopped bool

	cron      *cron.Cron
	recurMu   sync.Mutex
	recurring map[string]*scheduledEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	timers sync.WaitGroup
}

// NewBroker creates a broker. store may be nil for a memory-only registry.
func NewBroker(store RecurringStore, logger *slog.Logger, cfg *Config) *Broker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = NewMemoryRecurringStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		queues:    make(map[string]*queue),
		cron:      cron.New(cron.WithParser(cronParser)),
		recurring: make(map[string]*scheduledEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Process registers the handler and worker pool of a queue. It must be
// called before Start.
func (b *Broker) Process(name string, concurrency int, fn HandlerFunc) {
	if concurrency <= 0 {
		concurrency = b.cfg.DefaultConcurrency
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = &queue{
		name:        name,
		ch:          make(chan *Job, b.cfg.QueueSize),
		handler:     fn,
		concurrency: concurrency,
	}
}

// Start launches the worker pools, reloads persisted recurring entries and
// starts the cron scheduler.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	for _, q := range queues {
		for i := 0; i < q.concurrency; i++ {
			b.wg.Add(1)
			go b.worker(q)
		}
		b.logger.Info("queue started", "queue", q.name, "workers", q.concurrency)
	}

	entries, err := b.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load recurring entries: %w", err)
	}
	for i := range entries {
		if err := b.schedule(&entries[i]); err != nil {
			b.logger.Warn("skipping recurring entry", "id", entries[i].ID, "error", err)
		}
	}
	b.cron.Start()
	b.logger.Info("broker started", "recurring", len(entries))
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to finish. Jobs
// still queued are finished with ErrBrokerStopped.
func (b *Broker) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	<-b.cron.Stop().Done()
	b.cancel()
	b.wg.Wait()
	b.timers.Wait()
	b.failPending()
}

// failPending finishes every job left in a queue once no worker or retry
// timer can take it.
func (b *Broker) failPending() {
	b.mu.RLock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	for _, q := range queues {
		dropped := 0
	drain:
		for {
			select {
			case job := <-q.ch:
				job.handle.finish(nil, ErrBrokerStopped, job.Attempt-1)
				dropped++
			default:
				break drain
			}
		}
		metrics.QueueDepth.WithLabelValues(q.name).Set(0)
		if dropped > 0 {
			b.logger.Warn("queued jobs dropped on stop", "queue", q.name, "count", dropped)
		}
	}
}

// Enqueue submits a job. A policy with Attempts < 1 runs once.
func (b *Broker) Enqueue(ctx context.Context, queueName string, payload any, policy RetryPolicy) (*Handle, error) {
	b.mu.RLock()
	q, ok := b.queues[queueName]
	stopped := b.stopped
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if stopped {
		return nil, ErrBrokerStopped
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}

	job := &Job{
		ID:         uuid.New().String(),
		Queue:      queueName,
		Payload:    raw,
		Attempt:    1,
		Policy:     policy,
		EnqueuedAt: time.Now(),
	}
	job.handle = newHandle(job.ID, queueName)

	select {
	case q.ch <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrBrokerStopped
	}
	if b.ctx.Err() != nil {
		// Lost a race with Stop; the drain may already have run.
		job.handle.finish(nil, ErrBrokerStopped, 0)
		return job.handle, nil
	}
	metrics.JobsEnqueued.WithLabelValues(queueName).Inc()
	metrics.QueueDepth.WithLabelValues(queueName).Set(float64(len(q.ch)))
	return job.handle, nil
}

// AwaitResult blocks until the job finishes or ctx is done.
func (b *Broker) AwaitResult(ctx context.Context, h *Handle) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return raw, nil
	}
}

func (b *Broker) worker(q *queue) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case job := <-q.ch:
			metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
			if b.ctx.Err() != nil {
				job.handle.finish(nil, ErrBrokerStopped, job.Attempt-1)
				return
			}
			b.run(q, job)
		}
	}
}

func (b *Broker) run(q *queue, job *Job) {
	ctx := b.ctx
	var cancel context.CancelFunc
	if job.Policy.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Policy.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	start := time.Now()
	result, err := b.invoke(ctx, q.handler, job)
	cancel()
	metrics.JobDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.JobsProcessed.WithLabelValues(q.name, "success").Inc()
		job.handle.finish(result, nil, job.Attempt)
		return
	}

	if IsPermanent(err) || job.Attempt >= job.Policy.Attempts || b.ctx.Err() != nil {
		metrics.JobsProcessed.WithLabelValues(q.name, "failed").Inc()
		b.logger.Warn("job failed",
			"queue", q.name,
			"job_id", job.ID,
			"attempt", job.Attempt,
			"error", err,
		)
		job.handle.finish(result, err, job.Attempt)
		return
	}

	metrics.JobsProcessed.WithLabelValues(q.name, "retry").Inc()
	delay := job.Policy.Delay(job.Attempt)
	b.logger.Debug("retrying job",
		"queue", q.name,
		"job_id", job.ID,
		"attempt", job.Attempt,
		"delay", delay,
		"error", err,
	)
	job.Attempt++
	b.retryAfter(q, job, delay)
}

func (b *Broker) retryAfter(q *queue, job *Job, delay time.Duration) {
	b.timers.Add(1)
	go func() {
		defer b.timers.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-b.ctx.Done():
			job.handle.finish(nil, ErrBrokerStopped, job.Attempt-1)
			return
		}
		select {
		case q.ch <- job:
		case <-b.ctx.Done():
			job.handle.finish(nil, ErrBrokerStopped, job.Attempt-1)
		}
	}()
}

func (b *Broker) invoke(ctx context.Context, fn HandlerFunc, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("job panic",
				"queue", job.Queue,
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = Permanent(fmt.Errorf("job panic: %v", r))
		}
	}()
	return fn(ctx, job)
}
