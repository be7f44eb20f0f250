package lifecycle

import (
	"context"
	"math"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// runSink persists orchestrator progress into the run store.
type runSink struct {
	m *Manager
}

func (s *runSink) StepLogged(ctx context.Context, runID string, log types.StepLog) {
	if err := s.m.deps.Runs.AppendStepLog(ctx, runID, log); err != nil {
		metrics.RunStoreOperations.WithLabelValues("append_step", "error").Inc()
		s.m.logger.Warn("append step log failed", "run_id", runID, "node_id", log.NodeID, "error", err)
	}
}

func (s *runSink) Event(ctx context.Context, runID string, ev types.EventInput) {
	s.m.emit(ctx, runID, ev)
}

// callCounters maps step types to the external-call counter they bump.
var callCounters = map[string]string{
	types.StepHTTP:     types.CounterHTTPCalls,
	types.StepWebhook:  types.CounterHTTPCalls,
	types.StepLongPoll: types.CounterHTTPCalls,
	types.StepEmail:    types.CounterEmails,
	types.StepSMS:      types.CounterSMS,
	types.StepLLM:      types.CounterLLMCalls,
	types.StepDatabase: types.CounterDatabaseQueries,
}

// UsageFromLogs derives usage counters from the step logs of one run.
// Every executed step counts; external calls count only when the step
// succeeded. Execution time is rounded up to whole seconds.
func UsageFromLogs(logs []types.StepLog, elapsed time.Duration) types.UsageCounters {
	c := types.UsageCounters{
		types.CounterRuns:             1,
		types.CounterSteps:            int64(len(logs)),
		types.CounterExecutionSeconds: int64(math.Ceil(elapsed.Seconds())),
	}
	for _, log := range logs {
		if log.Status != types.StepStatusSuccess {
			continue
		}
		if counter, ok := callCounters[log.Type]; ok {
			c[counter]++
		}
	}
	return c
}
