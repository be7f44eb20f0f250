package schedstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

func sched(id, agent, project string, created time.Time) *types.Schedule {
	return &types.Schedule{
		ScheduleID:      id,
		AgentID:         agent,
		ProjectID:       project,
		Input:           map[string]any{"source": "cron"},
		IntervalSeconds: 60,
		Enabled:         true,
		CreatedAt:       created,
	}
}

// testStore exercises the Store contract against any implementation.
func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, sched("s1", "wf1", "p1", base)))

		got, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "wf1", got.AgentID)
		assert.Equal(t, 60, got.IntervalSeconds)
		assert.Equal(t, "cron", got.Input["source"])
		assert.True(t, got.Enabled)

		assert.ErrorIs(t, store.Create(ctx, sched("s1", "wf1", "p1", base)), ErrScheduleExists)
		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrScheduleNotFound)
	})

	t.Run("list and filter", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, sched("s2", "wf1", "p1", base.Add(time.Second))))
		require.NoError(t, store.Create(ctx, sched("s3", "wf2", "p2", base.Add(2*time.Second))))

		all, err := store.List(ctx, ListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "s1", all[0].ScheduleID)

		byProject, err := store.List(ctx, ListOptions{ProjectID: "p2"})
		require.NoError(t, err)
		assert.Len(t, byProject, 1)

		byWorkflow, err := store.ListByWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Len(t, byWorkflow, 2)
	})

	t.Run("update", func(t *testing.T) {
		s, err := store.Get(ctx, "s3")
		require.NoError(t, err)
		s.Enabled = false
		s.IntervalSeconds = 0
		s.Cron = "0 * * * *"
		require.NoError(t, store.Update(ctx, s))

		got, err := store.Get(ctx, "s3")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, "0 * * * *", got.Cron)

		missing := sched("nope", "wf", "p", base)
		assert.ErrorIs(t, store.Update(ctx, missing), ErrScheduleNotFound)
	})

	t.Run("delete by workflow queues cleanups in order", func(t *testing.T) {
		deleted, err := store.DeleteByWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Len(t, deleted, 2)

		remaining, err := store.ListByWorkflow(ctx, "wf1")
		require.NoError(t, err)
		assert.Empty(t, remaining)

		pending, err := store.PendingCleanups(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "s1", pending[0].ScheduleID)
		assert.Equal(t, "s2", pending[1].ScheduleID)
		assert.Equal(t, "wf1", pending[0].AgentID)

		require.NoError(t, store.MarkProcessed(ctx, pending[0].ID))
		pending, err = store.PendingCleanups(ctx, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "s2", pending[0].ScheduleID)
		require.NoError(t, store.MarkProcessed(ctx, pending[0].ID))
	})

	t.Run("purge processed", func(t *testing.T) {
		n, err := store.PurgeProcessed(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n, "records processed just now are retained")

		n, err = store.PurgeProcessed(ctx, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "s3"))
		assert.ErrorIs(t, store.Delete(ctx, "s3"), ErrScheduleNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}
