package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/flowstore"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/jobs"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/automations-go/internal/schedstore"
	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Report summarizes one reconciliation pass.
type Report struct {
	OrphansRemoved    int `json:"orphans_removed"`
	SchedulesCascaded int `json:"schedules_cascaded"`
	CleanupsDrained   int `json:"cleanups_drained"`
	CleanupsPurged    int `json:"cleanups_purged"`
	EntriesRestored   int `json:"entries_restored"`
}

// workflowCheck caches workflow existence for one reconciliation pass.
// A value of true means the workflow is gone.
type workflowCheck map[string]bool

func decodePayload(e jobs.RecurringEntry, v any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// ReconcileOnce runs both reconciliation directions:
//  1. registry entries without an enabled schedule record, or whose
//     workflow no longer exists, are removed; schedules of missing
//     workflows are cascaded into the cleanup queue
//  2. the cleanup queue is drained and old processed records purged
//  3. enabled schedules without a registry entry are re-installed
//
// Each step runs even if an earlier one failed; failures are joined into
// the returned error alongside the partial report.
func (m *Manager) ReconcileOnce(ctx context.Context) (*Report, error) {
	report := &Report{}
	var errs []error

	checked := make(workflowCheck)
	present, err := m.sweepRegistry(ctx, checked, report)
	if err != nil {
		errs = append(errs, fmt.Errorf("sweep registry: %w", err))
	}
	if err := m.cascadeMissing(ctx, checked, report); err != nil {
		errs = append(errs, err)
	}

	drained, err := m.DrainCleanups(ctx)
	report.CleanupsDrained = drained
	if err != nil {
		errs = append(errs, fmt.Errorf("drain cleanups: %w", err))
	}

	purged, err := m.PurgeProcessed(ctx)
	report.CleanupsPurged = purged
	if err != nil {
		errs = append(errs, fmt.Errorf("purge cleanups: %w", err))
	}

	// Restoring needs an accurate view of the registry.
	if present != nil {
		if err := m.restoreEntries(ctx, present, checked, report); err != nil {
			errs = append(errs, fmt.Errorf("restore entries: %w", err))
		}
	}

	m.logger.Info("schedule reconciliation finished",
		"orphans_removed", report.OrphansRemoved,
		"schedules_cascaded", report.SchedulesCascaded,
		"cleanups_drained", report.CleanupsDrained,
		"cleanups_purged", report.CleanupsPurged,
		"entries_restored", report.EntriesRestored,
	)
	return report, errors.Join(errs...)
}

// sweepRegistry removes schedule entries whose record is missing or
// disabled, or whose workflow is gone. It returns the keys of the entries
// left in place.
func (m *Manager) sweepRegistry(ctx context.Context, checked workflowCheck, report *Report) (map[string]bool, error) {
	entries, err := m.registry.ListRecurring(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	for _, e := range entries {
		if !strings.HasPrefix(e.Key, types.ScheduleKeyPrefix) {
			continue
		}
		scheduleID := strings.TrimPrefix(e.Key, types.ScheduleKeyPrefix)

		s, err := m.store.Get(ctx, scheduleID)
		switch {
		case errors.Is(err, schedstore.ErrScheduleNotFound):
		case err != nil:
			// Unknown state; keep the entry and do not restore over it.
			m.logger.Warn("schedule lookup failed during sweep", "schedule_id", scheduleID, "error", err)
			present[e.Key] = true
			continue
		case s.Enabled && !m.workflowGone(ctx, s.AgentID, checked):
			present[e.Key] = true
			continue
		}

		if _, err := m.registry.RemoveRecurringByID(ctx, e.ID); err != nil {
			m.logger.Warn("remove orphaned entry failed", "id", e.ID, "schedule_id", scheduleID, "error", err)
			present[e.Key] = true
			continue
		}
		report.OrphansRemoved++
		metrics.ReconcileActions.WithLabelValues("orphan_removed").Inc()
		m.logger.Info("orphaned recurring entry removed", "id", e.ID, "schedule_id", scheduleID)
	}
	return present, nil
}

// workflowGone reports whether agentID is known to be deleted. Lookup
// failures other than not-found count as present.
func (m *Manager) workflowGone(ctx context.Context, agentID string, checked workflowCheck) bool {
	if m.workflows == nil || agentID == "" {
		return false
	}
	if gone, ok := checked[agentID]; ok {
		return gone
	}
	_, err := m.workflows.Get(ctx, agentID)
	gone := errors.Is(err, flowstore.ErrFlowNotFound)
	if err != nil && !gone {
		m.logger.Warn("workflow lookup failed during reconciliation", "agent_id", agentID, "error", err)
	}
	checked[agentID] = gone
	return gone
}

// cascadeMissing moves the schedules of deleted workflows into the cleanup
// queue, as the API delete path would have.
func (m *Manager) cascadeMissing(ctx context.Context, checked workflowCheck, report *Report) error {
	var errs []error
	for agentID, gone := range checked {
		if !gone {
			continue
		}
		n, err := m.OnWorkflowDeleted(ctx, agentID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n > 0 {
			report.SchedulesCascaded += n
			metrics.ReconcileActions.WithLabelValues("workflow_cascaded").Add(float64(n))
		}
	}
	return errors.Join(errs...)
}

// DrainCleanups processes pending cleanup records in creation order. Each
// record is marked processed whatever the outcome of its registry removal,
// so a permanently failing removal cannot block the queue.
func (m *Manager) DrainCleanups(ctx context.Context) (int, error) {
	drained := 0
	for {
		batch, err := m.store.PendingCleanups(ctx, m.cfg.DrainBatch)
		if err != nil {
			return drained, err
		}
		if len(batch) == 0 {
			return drained, nil
		}

		for _, c := range batch {
			if err := ctx.Err(); err != nil {
				return drained, err
			}
			key := types.ScheduleKeyPrefix + c.ScheduleID
			if _, err := m.removeEntries(ctx, key); err != nil {
				m.logger.Warn("cleanup registry removal failed",
					"cleanup_id", c.ID,
					"schedule_id", c.ScheduleID,
					"error", err,
				)
			}
			if err := m.store.MarkProcessed(ctx, c.ID); err != nil {
				// Stop rather than re-read the same record forever.
				return drained, fmt.Errorf("mark cleanup %s processed: %w", c.ID, err)
			}
			drained++
			metrics.ReconcileActions.WithLabelValues("cleanup_drained").Inc()
		}

		if len(batch) < m.cfg.DrainBatch {
			return drained, nil
		}
	}
}

// PurgeProcessed deletes processed cleanup records older than the
// retention window.
func (m *Manager) PurgeProcessed(ctx context.Context) (int, error) {
	n, err := m.store.PurgeProcessed(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ReconcileActions.WithLabelValues("cleanup_purged").Add(float64(n))
	}
	return int(n), nil
}

// restoreEntries installs entries for enabled schedules that have none.
// Schedules whose workflow is gone are cascaded instead.
func (m *Manager) restoreEntries(ctx context.Context, present map[string]bool, checked workflowCheck, report *Report) error {
	schedules, err := m.store.List(ctx, schedstore.ListOptions{})
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if !s.Enabled || present[s.RegistryKey()] {
			continue
		}
		if m.workflowGone(ctx, s.AgentID, checked) {
			n, err := m.OnWorkflowDeleted(ctx, s.AgentID)
			if err != nil {
				m.logger.Warn("cascade of missing workflow failed", "agent_id", s.AgentID, "error", err)
			}
			report.SchedulesCascaded += n
			continue
		}
		if err := m.install(ctx, s); err != nil {
			m.logger.Warn("restore recurring entry failed", "schedule_id", s.ScheduleID, "error", err)
			continue
		}
		report.EntriesRestored++
		metrics.ReconcileActions.WithLabelValues("entry_restored").Inc()
		m.logger.Info("recurring entry restored", "schedule_id", s.ScheduleID)
	}
	return nil
}

// Run reconciles immediately, then drains the cleanup queue every
// DrainInterval and runs a full pass every ReconcileInterval until ctx is
// done. Failures are logged and never stop the loop.
func (m *Manager) Run(ctx context.Context) {
	m.reconcile(ctx)

	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()
	drain := time.NewTicker(m.cfg.DrainInterval)
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			m.reconcile(ctx)
		case <-drain.C:
			if n, err := m.DrainCleanups(ctx); err != nil {
				m.logger.Error("drain cleanups failed", "error", err)
			} else if n > 0 {
				m.logger.Info("cleanup queue drained", "count", n)
			}
		}
	}
}

func (m *Manager) reconcile(ctx context.Context) {
	if _, err := m.ReconcileOnce(ctx); err != nil {
		m.logger.Error("schedule reconciliation failed", "error", err)
	}
}
