package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/graph"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/router"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/steps"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// mockRunner records every task and answers from fn.
type mockRunner struct {
	mu    sync.Mutex
	tasks []*types.StepTask
	fn    func(task *types.StepTask) *types.StepResult
}

func (m *mockRunner) Execute(_ context.Context, task *types.StepTask) *types.StepResult {
	m.mu.Lock()
	m.tasks = append(m.tasks, task)
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(task)
	}
	return &types.StepResult{Output: map[string]any{"id": task.Node.ID}}
}

func (m *mockRunner) taskFor(id string) *types.StepTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Node.ID == id {
			return t
		}
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	logs   []types.StepLog
	events []types.EventInput
}

func (s *recordingSink) StepLogged(_ context.Context, _ string, log types.StepLog) {
	s.mu.Lock()
	s.logs = append(s.logs, log)
	s.mu.Unlock()
}

func (s *recordingSink) Event(_ context.Context, _ string, ev types.EventInput) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) count(t types.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func node(id, typ string) types.Node {
	return types.Node{ID: id, Type: typ, Config: map[string]any{}}
}

func edge(from, to string) types.Connection {
	return types.Connection{From: from, To: to}
}

func diamond() *types.Workflow {
	return &types.Workflow{
		Nodes: []types.Node{node("A", "http"), node("B", "http"), node("C", "http"), node("D", "transform")},
		Connections: []types.Connection{
			edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D"),
		},
	}
}

func TestExecute_Diamond(t *testing.T) {
	runner := &mockRunner{}
	sink := &recordingSink{}
	o := New(runner, nil, nil)

	res, err := o.Execute(context.Background(), &Request{RunID: "r1", Workflow: diamond(), Input: map[string]any{"seed": 1}, Sink: sink})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Logs) != 4 {
		t.Fatalf("logs = %d, want 4", len(res.Logs))
	}
	if len(sink.logs) != 4 {
		t.Errorf("sink logs = %d, want 4", len(sink.logs))
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", res.Iterations)
	}
	if res.Logs[0].NodeID != "A" || res.Logs[3].NodeID != "D" {
		t.Errorf("batch order violated: %v", res.Logs)
	}

	d := runner.taskFor("D")
	if d == nil {
		t.Fatal("D never dispatched")
	}
	for _, dep := range []string{"B", "C", "A"} {
		if _, ok := d.Context[dep]; !ok {
			t.Errorf("D context missing %s output", dep)
		}
	}
	if d.Context["seed"] != 1 {
		t.Errorf("D context missing initial input")
	}
	if _, ok := runner.taskFor("B").Context["C"]; ok {
		t.Error("B saw sibling C output in the same batch")
	}
}

func TestExecute_BatchRunsConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	runner := &mockRunner{fn: func(task *types.StepTask) *types.StepResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return &types.StepResult{Output: map[string]any{}}
	}}

	wf := &types.Workflow{Nodes: []types.Node{node("a", "http"), node("b", "http"), node("c", "http")}}
	if _, err := New(runner, nil, nil).Execute(context.Background(), &Request{Workflow: wf}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}

func TestExecute_FailFast(t *testing.T) {
	runner := &mockRunner{fn: func(task *types.StepTask) *types.StepResult {
		if task.Node.ID == "C" {
			return &types.StepResult{Err: errors.New("boom")}
		}
		return &types.StepResult{Output: map[string]any{"ok": true}}
	}}
	wf := diamond()
	wf.Nodes[2].Config = map[string]any{"name": "Notify CRM", "api_key": "secret"}

	res, err := New(runner, nil, nil).Execute(context.Background(), &Request{Workflow: wf})
	if !errors.Is(err, ErrStepExecution) {
		t.Fatalf("error = %v, want ErrStepExecution", err)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.NodeID != "C" || stepErr.Name != "Notify CRM" {
		t.Fatalf("step error = %#v", stepErr)
	}
	if !strings.Contains(err.Error(), "Notify CRM") || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error message = %q", err.Error())
	}

	if len(res.Logs) != 3 {
		t.Fatalf("logs = %d, want 3 (A, B, C)", len(res.Logs))
	}
	statuses := map[string]types.StepStatus{}
	for _, l := range res.Logs {
		statuses[l.NodeID] = l.Status
	}
	if statuses["A"] != types.StepStatusSuccess || statuses["B"] != types.StepStatusSuccess || statuses["C"] != types.StepStatusFailed {
		t.Errorf("statuses = %v", statuses)
	}
	if _, ok := statuses["D"]; ok {
		t.Error("D must not run after C failed")
	}
	if runner.taskFor("D") != nil {
		t.Error("D was dispatched")
	}
	for _, l := range res.Logs {
		if l.NodeID == "C" && l.Config["api_key"] != types.RedactedValue {
			t.Errorf("secret not redacted in step log: %v", l.Config)
		}
	}
}

func TestExecute_StuckGraph(t *testing.T) {
	tests := []struct {
		name      string
		wf        *types.Workflow
		unreached []string
	}{
		{
			name: "cycle without start",
			wf: &types.Workflow{
				Nodes:       []types.Node{node("A", "http"), node("B", "http")},
				Connections: []types.Connection{edge("A", "B"), edge("B", "A")},
			},
			unreached: []string{"A", "B"},
		},
		{
			name: "cycle after start",
			wf: &types.Workflow{
				Nodes:       []types.Node{node("S", "http"), node("A", "http"), node("B", "http")},
				Connections: []types.Connection{edge("S", "A"), edge("A", "B"), edge("B", "A")},
			},
			unreached: []string{"A", "B"},
		},
		{
			name: "dangling edge",
			wf: &types.Workflow{
				Nodes:       []types.Node{node("A", "http"), node("B", "http")},
				Connections: []types.Connection{edge("ghost", "B")},
			},
			unreached: []string{"B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(&mockRunner{}, nil, nil).Execute(context.Background(), &Request{Workflow: tt.wf})
			if !errors.Is(err, ErrStuckGraph) {
				t.Fatalf("error = %v, want ErrStuckGraph", err)
			}
			var stuck *StuckGraphError
			if !errors.As(err, &stuck) {
				t.Fatalf("error is not StuckGraphError: %T", err)
			}
			if fmt.Sprint(stuck.Unreached) != fmt.Sprint(tt.unreached) {
				t.Errorf("unreached = %v, want %v", stuck.Unreached, tt.unreached)
			}
		})
	}
}

func TestExecute_IterationLimit(t *testing.T) {
	chain := make([]types.Step, 6)
	for i := range chain {
		chain[i] = types.Step{Tool: "transform"}
	}

	o := New(&mockRunner{}, nil, &Config{MaxIterations: 5})
	res, err := o.Execute(context.Background(), &Request{Workflow: &types.Workflow{Steps: chain}})
	if !errors.Is(err, ErrIterationLimitExceeded) {
		t.Fatalf("error = %v, want ErrIterationLimitExceeded", err)
	}
	if len(res.Logs) != 5 {
		t.Errorf("logs = %d, want 5", len(res.Logs))
	}

	// A chain that fits exactly is fine.
	if _, err := o.Execute(context.Background(), &Request{Workflow: &types.Workflow{Steps: chain[:5]}}); err != nil {
		t.Errorf("5-step chain with limit 5: %v", err)
	}
}

func TestExecute_DefaultIterationLimit(t *testing.T) {
	n := DefaultMaxIterations + 1
	wf := &types.Workflow{Nodes: make([]types.Node, n), Connections: []types.Connection{}}
	for i := 0; i < n; i++ {
		wf.Nodes[i] = node(fmt.Sprintf("n%d", i), "transform")
		if i > 0 {
			wf.Connections = append(wf.Connections, edge(fmt.Sprintf("n%d", i-1), fmt.Sprintf("n%d", i)))
		}
	}

	_, err := New(&mockRunner{}, nil, nil).Execute(context.Background(), &Request{Workflow: wf})
	if !errors.Is(err, ErrIterationLimitExceeded) {
		t.Fatalf("error = %v, want ErrIterationLimitExceeded", err)
	}
}

func TestExecute_Empty(t *testing.T) {
	res, err := New(&mockRunner{}, nil, nil).Execute(context.Background(), &Request{Workflow: &types.Workflow{Nodes: []types.Node{}}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Outputs) != 0 || len(res.Logs) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestExecute_InvalidWorkflow(t *testing.T) {
	_, err := New(&mockRunner{}, nil, nil).Execute(context.Background(), &Request{Workflow: &types.Workflow{}})
	if !errors.Is(err, graph.ErrInvalidWorkflow) {
		t.Errorf("error = %v, want ErrInvalidWorkflow", err)
	}
}

func TestExecute_ConditionalPruning(t *testing.T) {
	// cond -true-> yes -> merge
	//      -false-> no -> merge
	//      -> always
	wf := &types.Workflow{
		Nodes: []types.Node{
			node("cond", "conditional"),
			node("yes", "email"),
			node("no", "sms"),
			node("after_no", "http"),
			node("always", "http"),
			node("merge", "transform"),
		},
		Connections: []types.Connection{
			{From: "cond", FromPort: "true", To: "yes"},
			{From: "cond", FromPort: "false", To: "no"},
			{From: "cond", To: "always"},
			{From: "no", To: "after_no"},
			{From: "yes", To: "merge"},
			{From: "after_no", To: "merge"},
		},
	}
	runner := &mockRunner{fn: func(task *types.StepTask) *types.StepResult {
		if task.Node.Type == "conditional" {
			return &types.StepResult{Output: map[string]any{"result": true, "branch": "true"}}
		}
		return &types.StepResult{Output: map[string]any{}}
	}}
	sink := &recordingSink{}

	res, err := New(runner, nil, nil).Execute(context.Background(), &Request{Workflow: wf, Sink: sink})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	ran := map[string]bool{}
	for _, l := range res.Logs {
		ran[l.NodeID] = true
	}
	for _, id := range []string{"cond", "yes", "always", "merge"} {
		if !ran[id] {
			t.Errorf("%s should have run", id)
		}
	}
	for _, id := range []string{"no", "after_no"} {
		if ran[id] {
			t.Errorf("%s should have been skipped", id)
		}
	}
	if fmt.Sprint(res.Skipped) != "[no after_no]" {
		t.Errorf("skipped = %v", res.Skipped)
	}
	if sink.count(types.EventTypeNodeSkipped) != 2 {
		t.Errorf("node_skipped events = %d, want 2", sink.count(types.EventTypeNodeSkipped))
	}
	if sink.count(types.EventTypeBranchSelected) != 1 {
		t.Errorf("branch_selected events = %d, want 1", sink.count(types.EventTypeBranchSelected))
	}
	if _, ok := runner.taskFor("merge").Context["no"]; ok {
		t.Error("merge context contains skipped node output")
	}
}

// End to end through the real router, broker and step executors.
func TestExecute_HTTPThenTransform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"x":1}`))
	}))
	defer srv.Close()

	broker := jobs.NewBroker(nil, nil, nil)
	rt := router.New(broker, nil, nil, nil)
	rt.Register(broker, steps.NewDefaultRegistry(nil, steps.NewDatabase(nil), nil))
	if err := broker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer broker.Stop()

	wf := &types.Workflow{
		Nodes: []types.Node{
			{ID: "H", Type: "http", Config: map[string]any{"url": srv.URL}},
			{ID: "T", Type: "transform", Config: map[string]any{"mappings": map[string]any{"x": "{{H.data.x}}"}}},
		},
		Connections: []types.Connection{edge("H", "T")},
	}

	res, err := New(rt, nil, nil).Execute(context.Background(), &Request{RunID: "e2e", Workflow: wf, Input: map[string]any{}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(res.Logs))
	}
	if got := res.Outputs["H"]["status"]; got != 200 {
		t.Errorf("H status = %#v", got)
	}
	if got := res.Outputs["T"]["x"]; got != "1" {
		t.Errorf("T output x = %#v, want \"1\"", got)
	}
}
