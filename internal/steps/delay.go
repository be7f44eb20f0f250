package steps

import (
	"context"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// DelayStep waits before letting the graph continue.
//
// Config: seconds (number) or duration ("90s", "5m"). Capped at Max.
type DelayStep struct {
	Max time.Duration
}

func (s *DelayStep) Type() string { return types.StepDelay }

func (s *DelayStep) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	d := getDuration(cfg, "duration", 0)
	if d == 0 {
		d = getDuration(cfg, "seconds", 0)
	}
	if d < 0 {
		return nil, invalidConfig("delay must not be negative")
	}
	if s.Max > 0 && d > s.Max {
		d = s.Max
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]any{"delayed_ms": d.Milliseconds()}, nil
}
