// Package flowstore provides workflow definition persistence.
package flowstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Common errors returned by FlowStore implementations.
var (
	ErrFlowNotFound = errors.New("workflow not found")
	ErrFlowExists   = errors.New("workflow already exists")
)

// Flow is a saved workflow definition owned by a project.
type Flow struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Version     int             `json:"version"`
	Definition  *types.Workflow `json:"definition"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// CreateFlowRequest is the input for creating a new workflow.
type CreateFlowRequest struct {
	ID          string          `json:"id,omitempty"` // Optional, auto-generated if empty
	ProjectID   string          `json:"project_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Definition  *types.Workflow `json:"definition"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

// UpdateFlowRequest is the input for updating an existing workflow.
type UpdateFlowRequest struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Definition  *types.Workflow `json:"definition,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// ListOptions configures list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	ProjectID string // Filter by owning project
	CreatedBy string // Filter by creator
}

// FlowStore defines the interface for workflow persistence.
// Implementations must be safe for concurrent use.
type FlowStore interface {
	// Create saves a new workflow. Returns ErrFlowExists if ID is taken.
	Create(ctx context.Context, req *CreateFlowRequest) (*Flow, error)

	// Get retrieves a workflow by ID. Returns ErrFlowNotFound if not found.
	Get(ctx context.Context, id string) (*Flow, error)

	// Update modifies an existing workflow and bumps its version.
	Update(ctx context.Context, id string, req *UpdateFlowRequest) (*Flow, error)

	// Delete removes a workflow. Returns ErrFlowNotFound if not found.
	Delete(ctx context.Context, id string) error

	// List returns workflows matching the options, oldest first.
	List(ctx context.Context, opts *ListOptions) ([]*Flow, error)

	// Close releases any resources.
	Close() error
}

// Validate checks if a CreateFlowRequest is valid.
func (r *CreateFlowRequest) Validate() error {
	if r.Name == "" {
		return errors.New("workflow name is required")
	}
	if r.ProjectID == "" {
		return errors.New("project_id is required")
	}
	if r.Definition == nil || (len(r.Definition.Nodes) == 0 && len(r.Definition.Steps) == 0) {
		return errors.New("workflow definition needs nodes or steps")
	}
	return nil
}

func (r *UpdateFlowRequest) apply(flow *Flow) {
	if r.Name != nil {
		flow.Name = *r.Name
	}
	if r.Description != nil {
		flow.Description = *r.Description
	}
	if r.Definition != nil {
		flow.Definition = r.Definition
	}
	if r.Metadata != nil {
		flow.Metadata = r.Metadata
	}
	flow.Version++
	flow.UpdatedAt = time.Now().UTC()
}

func (o *ListOptions) match(f *Flow) bool {
	if o.ProjectID != "" && f.ProjectID != o.ProjectID {
		return false
	}
	if o.CreatedBy != "" && f.CreatedBy != o.CreatedBy {
		return false
	}
	return true
}

// page sorts flows by creation and applies offset and limit.
func (o *ListOptions) page(flows []*Flow) []*Flow {
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID < flows[j].ID
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})

	if o.Offset > 0 {
		if o.Offset >= len(flows) {
			return []*Flow{}
		}
		flows = flows[o.Offset:]
	}
	if o.Limit > 0 && o.Limit < len(flows) {
		flows = flows[:o.Limit]
	}
	return flows
}
