// Package schedstore persists schedules and the asynchronous cleanup queue
// that decouples registry removal from workflow deletion.
package schedstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleExists   = errors.New("schedule already exists")
)

// ListOptions filters List. Zero values match everything.
type ListOptions struct {
	ProjectID string
	AgentID   string
}

// Store is the durable source of truth for schedules.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, s *types.Schedule) error
	Get(ctx context.Context, id string) (*types.Schedule, error)
	// List returns schedules ordered by creation time.
	List(ctx context.Context, opts ListOptions) ([]*types.Schedule, error)
	ListByWorkflow(ctx context.Context, agentID string) ([]*types.Schedule, error)
	Update(ctx context.Context, s *types.Schedule) error
	Delete(ctx context.Context, id string) error

	// DeleteByWorkflow removes every schedule of the workflow and appends one
	// cleanup record per schedule in the same transaction.
	DeleteByWorkflow(ctx context.Context, agentID string) ([]*types.Schedule, error)
	// PendingCleanups returns unprocessed records in creation order.
	PendingCleanups(ctx context.Context, limit int) ([]types.ScheduleCleanup, error)
	MarkProcessed(ctx context.Context, id string) error
	// PurgeProcessed deletes processed records processed before olderThan.
	PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
