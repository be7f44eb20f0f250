// Package orchestrator executes normalized workflow graphs with barrier
// synchronized fork/join batches.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// DefaultMaxIterations bounds the number of batches per run.
const DefaultMaxIterations = 1000

// StepRunner executes one node and reports its outcome. The step router
// implements it.
type StepRunner interface {
	Execute(ctx context.Context, task *types.StepTask) *types.StepResult
}

// Sink receives step logs and events as the run progresses. Errors are
// the sink's own concern; the orchestrator does not fail a run on them.
type Sink interface {
	StepLogged(ctx context.Context, runID string, log types.StepLog)
	Event(ctx context.Context, runID string, ev types.EventInput)
}

type nopSink struct{}

func (nopSink) StepLogged(context.Context, string, types.StepLog) {}
func (nopSink) Event(context.Context, string, types.EventInput)   {}

// Config holds orchestrator configuration.
type Config struct {
	// MaxIterations bounds batches per run (default 1000).
	MaxIterations int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxIterations: DefaultMaxIterations}
}

// Orchestrator drives one workflow graph per Execute call.
type Orchestrator struct {
	runner        StepRunner
	maxIterations int
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New creates an orchestrator.
func New(runner StepRunner, logger *slog.Logger, cfg *Config) *Orchestrator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runner:        runner,
		maxIterations: cfg.MaxIterations,
		logger:        logger,
		tracer:        otel.Tracer("automations/orchestrator"),
	}
}

// Request is one graph execution.
type Request struct {
	RunID     string
	ProjectID string
	Workflow  *types.Workflow
	// Input is the initial context every node sees, before node outputs
	// are merged in under their node ids.
	Input map[string]any
	Sink  Sink
}

// Result is the outcome of Execute. It is populated on failure too.
type Result struct {
	Outputs    map[string]map[string]any
	Logs       []types.StepLog
	Skipped    []string
	Iterations int
}

// runState is written only by the Execute goroutine, between batches.
type runState struct {
	req       *Request
	wf        *types.Workflow
	idx       *graph.Index
	completed map[string]bool
	dead      map[int]bool
	result    *Result
}

type nodeResult struct {
	node types.Node
	res  *types.StepResult
	at   time.Time
}

// Execute runs the graph until every node completed, a node failed, no
// node can become ready, or the iteration limit is hit.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*Result, error) {
	if req.Sink == nil {
		req.Sink = nopSink{}
	}
	wf, err := graph.Normalize(req.Workflow)
	if err != nil {
		return &Result{Outputs: map[string]map[string]any{}}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.Int("workflow.nodes", len(wf.Nodes)),
		),
	)
	defer span.End()

	st := &runState{
		req:       req,
		wf:        wf,
		idx:       graph.NewIndex(wf),
		completed: make(map[string]bool, len(wf.Nodes)),
		dead:      make(map[int]bool),
		result:    &Result{Outputs: make(map[string]map[string]any, len(wf.Nodes))},
	}

	err = o.loop(ctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("orchestrator.iterations", st.result.Iterations))
	return st.result, err
}

func (o *Orchestrator) loop(ctx context.Context, st *runState) error {
	total := len(st.idx.Order)
	for iteration := 1; ; iteration++ {
		if len(st.completed) == total {
			return nil
		}
		if iteration > o.maxIterations {
			return fmt.Errorf("%w: %d iterations without completing %d/%d nodes",
				ErrIterationLimitExceeded, o.maxIterations, total-len(st.completed), total)
		}
		st.result.Iterations = iteration

		ready, skip := o.readySet(st)
		if len(ready) == 0 && len(skip) == 0 {
			return &StuckGraphError{Unreached: o.unreached(st)}
		}

		for _, id := range skip {
			o.skipNode(ctx, st, id, iteration)
		}
		if len(ready) == 0 {
			continue
		}

		if err := o.runBatch(ctx, st, ready, iteration); err != nil {
			return err
		}
	}
}

// readySet returns nodes whose every predecessor has completed. Nodes whose
// incoming connections are all dead are returned separately to be skipped.
func (o *Orchestrator) readySet(st *runState) (ready, skip []string) {
	for _, id := range st.idx.Order {
		if st.completed[id] {
			continue
		}
		incoming := st.idx.Incoming[id]
		settled, live := true, 0
		for _, ci := range incoming {
			if !st.completed[st.wf.Connections[ci].From] {
				settled = false
				break
			}
			if !st.dead[ci] {
				live++
			}
		}
		if !settled {
			continue
		}
		if len(incoming) > 0 && live == 0 {
			skip = append(skip, id)
			continue
		}
		ready = append(ready, id)
	}
	return ready, skip
}

func (o *Orchestrator) unreached(st *runState) []string {
	var out []string
	for _, id := range st.idx.Order {
		if !st.completed[id] {
			out = append(out, id)
		}
	}
	return out
}

func (o *Orchestrator) killOutgoing(st *runState, id string, keep func(types.Connection) bool) {
	for _, ci := range st.idx.Outgoing[id] {
		if keep == nil || !keep(st.wf.Connections[ci]) {
			st.dead[ci] = true
		}
	}
}

func (o *Orchestrator) skipNode(ctx context.Context, st *runState, id string, iteration int) {
	node := st.idx.Nodes[id]
	st.completed[id] = true
	st.result.Skipped = append(st.result.Skipped, id)
	o.killOutgoing(st, id, nil)

	metrics.StepsTotal.WithLabelValues(node.Type, "skipped").Inc()
	st.req.Sink.Event(ctx, st.req.RunID, types.EventInput{
		Type:   types.EventTypeNodeSkipped,
		NodeID: id,
		Data:   types.NodeEvent{Name: graph.DisplayName(node), Type: node.Type, Iteration: iteration},
	})
	o.logger.Debug("node skipped", "run_id", st.req.RunID, "node_id", id)
}

// snapshot is the read-only context every node in a batch receives.
func (o *Orchestrator) snapshot(st *runState) map[string]any {
	env := make(map[string]any, len(st.req.Input)+len(st.result.Outputs))
	for k, v := range st.req.Input {
		env[k] = v
	}
	for id, out := range st.result.Outputs {
		env[id] = out
	}
	return env
}

func (o *Orchestrator) runBatch(ctx context.Context, st *runState, ready []string, iteration int) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.batch",
		trace.WithAttributes(
			attribute.Int("batch.iteration", iteration),
			attribute.Int("batch.size", len(ready)),
		),
	)
	defer span.End()
	metrics.OrchestratorBatchSize.Observe(float64(len(ready)))

	env := o.snapshot(st)
	results := make(chan nodeResult, len(ready))

	for _, id := range ready {
		node := st.idx.Nodes[id]
		st.req.Sink.Event(ctx, st.req.RunID, types.EventInput{
			Type:   types.EventTypeNodeStarted,
			NodeID: id,
			Data:   types.NodeEvent{Name: graph.DisplayName(node), Type: node.Type, Iteration: iteration},
		})

		task := &types.StepTask{
			RunID:     st.req.RunID,
			ProjectID: st.req.ProjectID,
			Node:      node,
			Context:   env,
		}
		go func() {
			res := o.runner.Execute(ctx, task)
			if res == nil {
				res = &types.StepResult{Err: fmt.Errorf("no result for node %s", task.Node.ID)}
			}
			results <- nodeResult{node: task.Node, res: res, at: time.Now().UTC()}
		}()
	}

	// Join: every dispatched node settles before the next iteration.
	batch := make([]nodeResult, 0, len(ready))
	for range ready {
		batch = append(batch, <-results)
	}

	var failure *StepError
	for _, r := range batch {
		if o.merge(ctx, st, r, iteration) && failure == nil {
			failure = &StepError{
				NodeID: r.node.ID,
				Name:   graph.DisplayName(r.node),
				Type:   r.node.Type,
				Err:    r.res.Err,
			}
		}
	}
	if failure != nil {
		span.SetStatus(codes.Error, failure.Error())
		return failure
	}
	return nil
}

// merge records one node result and reports whether it failed.
func (o *Orchestrator) merge(ctx context.Context, st *runState, r nodeResult, iteration int) (failed bool) {
	node := r.node
	log := types.StepLog{
		NodeID:     node.ID,
		Type:       node.Type,
		Config:     types.Redact(node.Config),
		DurationMS: r.res.Duration.Milliseconds(),
		Timestamp:  r.at,
	}
	event := types.NodeEvent{
		Name:       graph.DisplayName(node),
		Type:       node.Type,
		Iteration:  iteration,
		DurationMS: log.DurationMS,
	}

	if r.res.Err != nil {
		log.Status = types.StepStatusFailed
		log.Error = r.res.Err.Error()
		event.Error = log.Error
		st.result.Logs = append(st.result.Logs, log)
		st.req.Sink.StepLogged(ctx, st.req.RunID, log)
		st.req.Sink.Event(ctx, st.req.RunID, types.EventInput{Type: types.EventTypeNodeFailed, NodeID: node.ID, Data: event})
		metrics.StepsTotal.WithLabelValues(node.Type, string(types.StepStatusFailed)).Inc()
		o.logger.Warn("node failed",
			"run_id", st.req.RunID,
			"node_id", node.ID,
			"type", node.Type,
			"error", r.res.Err,
		)
		return true
	}

	output := r.res.Output
	if output == nil {
		output = map[string]any{}
	}
	log.Status = types.StepStatusSuccess
	log.Output = output
	st.result.Logs = append(st.result.Logs, log)
	st.result.Outputs[node.ID] = output
	st.completed[node.ID] = true

	if node.Type == types.StepConditional {
		o.pruneBranches(ctx, st, node, output)
	}

	st.req.Sink.StepLogged(ctx, st.req.RunID, log)
	st.req.Sink.Event(ctx, st.req.RunID, types.EventInput{Type: types.EventTypeNodeCompleted, NodeID: node.ID, Data: event})
	metrics.StepsTotal.WithLabelValues(node.Type, string(types.StepStatusSuccess)).Inc()
	return false
}

// pruneBranches marks the connections of the branch not taken as dead.
// Connections on ports other than "true"/"false" are unaffected.
func (o *Orchestrator) pruneBranches(ctx context.Context, st *runState, node types.Node, output map[string]any) {
	branch, _ := output["branch"].(string)
	if branch != types.BranchTrue && branch != types.BranchFalse {
		return
	}
	o.killOutgoing(st, node.ID, func(c types.Connection) bool {
		port := c.FromPortOrDefault()
		if port != types.BranchTrue && port != types.BranchFalse {
			return true
		}
		return port == branch
	})

	st.req.Sink.Event(ctx, st.req.RunID, types.EventInput{
		Type:   types.EventTypeBranchSelected,
		NodeID: node.ID,
		Data:   types.BranchEvent{Branch: branch, Expression: fmt.Sprint(node.Config["expression"])},
	})
}
