package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Thresholds are the usage percentages that trigger notifications.
var Thresholds = []int{80, 100}

// channelCounters maps messaging step types to their usage counter.
var channelCounters = map[string]string{
	types.StepEmail: types.CounterEmails,
	types.StepSMS:   types.CounterSMS,
}

// Crossing is a usage threshold passed by one increment.
type Crossing struct {
	ProjectID string `json:"project_id"`
	Period    string `json:"period"`
	Counter   string `json:"counter"`
	Threshold int    `json:"threshold"`
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
}

// Notifier is told about threshold crossings.
type Notifier interface {
	UsageThreshold(ctx context.Context, c Crossing)
}

// Policy resolves plan limits for projects. It implements the step
// router's usage policy.
type Policy struct {
	store    Store
	plans    map[Plan]Limits
	notifier Notifier
	now      func() time.Time
}

// NewPolicy creates a policy over store. plans may be nil for DefaultPlans;
// notifier may be nil.
func NewPolicy(store Store, plans map[Plan]Limits, notifier Notifier) *Policy {
	if plans == nil {
		plans = DefaultPlans
	}
	return &Policy{
		store:    store,
		plans:    plans,
		notifier: notifier,
		now:      time.Now,
	}
}

// project returns the stored project, or an implicit free-plan project
// when none is registered.
func (p *Policy) project(ctx context.Context, projectID string) (*Project, error) {
	proj, err := p.store.Get(ctx, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		return &Project{ID: projectID, Plan: PlanFree}, nil
	}
	return proj, err
}

// Limit returns the monthly ceiling for counter, 0 meaning unlimited.
func (p *Policy) Limit(proj *Project, counter string) int64 {
	if v, ok := proj.LimitOverrides[counter]; ok {
		return v
	}
	return p.plans[proj.Plan][counter]
}

// HasOwnCredentials reports a project-level credential override for channel.
func (p *Policy) HasOwnCredentials(ctx context.Context, projectID, channel string) (bool, error) {
	proj, err := p.project(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return proj.HasOwnCredentials(channel), nil
}

// WithinLimit reports whether current-period usage for channel is below
// the project's limit.
func (p *Policy) WithinLimit(ctx context.Context, projectID, channel string) (bool, error) {
	counter, ok := channelCounters[channel]
	if !ok {
		return true, nil
	}
	proj, err := p.project(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("load project %s: %w", projectID, err)
	}
	limit := p.Limit(proj, counter)
	if limit <= 0 {
		return true, nil
	}
	usage, err := p.store.GetUsage(ctx, projectID, Period(p.now()))
	if err != nil {
		return false, fmt.Errorf("load usage %s: %w", projectID, err)
	}
	return usage[counter] < limit, nil
}

// Record adds counters to the current period and reports every threshold
// the increment crossed. Crossings are also sent to the notifier.
func (p *Policy) Record(ctx context.Context, projectID string, counters types.UsageCounters) ([]Crossing, error) {
	if projectID == "" || len(counters) == 0 {
		return nil, nil
	}
	period := Period(p.now())
	after, err := p.store.IncrementUsage(ctx, projectID, period, counters)
	if err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}

	proj, err := p.project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}

	var crossings []Crossing
	for counter, delta := range counters {
		limit := p.Limit(proj, counter)
		if limit <= 0 || delta <= 0 {
			continue
		}
		used := after[counter]
		for _, t := range CrossedThresholds(used-delta, used, limit) {
			c := Crossing{
				ProjectID: projectID,
				Period:    period,
				Counter:   counter,
				Threshold: t,
				Used:      used,
				Limit:     limit,
			}
			crossings = append(crossings, c)
			metrics.UsageThresholds.WithLabelValues(counter, fmt.Sprint(t)).Inc()
			if p.notifier != nil {
				p.notifier.UsageThreshold(ctx, c)
			}
		}
	}
	return crossings, nil
}

// CrossedThresholds returns the thresholds t with before < t% of limit <= after.
func CrossedThresholds(before, after, limit int64) []int {
	if limit <= 0 {
		return nil
	}
	var out []int
	for _, t := range Thresholds {
		mark := int64(t) * limit
		if before*100 < mark && mark <= after*100 {
			out = append(out, t)
		}
	}
	return out
}

// LogNotifier logs threshold crossings.
type LogNotifier struct {
	Logger *slog.Logger
}

// UsageThreshold implements Notifier.
func (n LogNotifier) UsageThreshold(ctx context.Context, c Crossing) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if c.Threshold >= 100 {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "usage threshold reached",
		"project_id", c.ProjectID,
		"counter", c.Counter,
		"threshold", c.Threshold,
		"used", c.Used,
		"limit", c.Limit,
		"period", c.Period,
	)
}
