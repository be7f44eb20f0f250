// Package tenants provides project records, plan limits and monthly usage
// counters, and answers the step router's quota questions.
package tenants

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Common errors returned by Store implementations.
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
)

// Plan names a billing plan.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
)

// Limits maps a usage counter to its monthly ceiling. Absent or zero means
// unlimited.
type Limits map[string]int64

// DefaultPlans are the built-in plan limits.
var DefaultPlans = map[Plan]Limits{
	PlanFree: {
		types.CounterRuns:     1000,
		types.CounterEmails:   100,
		types.CounterSMS:      10,
		types.CounterLLMCalls: 100,
	},
	PlanPro: {
		types.CounterRuns:     50000,
		types.CounterEmails:   10000,
		types.CounterSMS:      1000,
		types.CounterLLMCalls: 10000,
	},
	PlanBusiness: {
		types.CounterEmails: 100000,
		types.CounterSMS:    10000,
	},
}

// Project is a tenant.
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Plan Plan   `json:"plan"`

	// OwnCredentials lists channels ("email", "sms") for which the project
	// supplied its own provider credentials.
	OwnCredentials []string `json:"own_credentials,omitempty"`

	// LimitOverrides replaces individual plan limits.
	LimitOverrides Limits `json:"limit_overrides,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasOwnCredentials reports whether the project brought credentials for channel.
func (p *Project) HasOwnCredentials(channel string) bool {
	return slices.Contains(p.OwnCredentials, channel)
}

// CreateProjectRequest is the input for creating a project.
type CreateProjectRequest struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Plan           Plan     `json:"plan,omitempty"`
	OwnCredentials []string `json:"own_credentials,omitempty"`
	LimitOverrides Limits   `json:"limit_overrides,omitempty"`
}

// Validate checks if a CreateProjectRequest is valid.
func (r *CreateProjectRequest) Validate() error {
	if r.ID == "" {
		return errors.New("project ID is required")
	}
	if r.Name == "" {
		return errors.New("project name is required")
	}
	if r.Plan != "" {
		if _, ok := DefaultPlans[r.Plan]; !ok {
			return errors.New("unknown plan " + string(r.Plan))
		}
	}
	return nil
}

func (r *CreateProjectRequest) project(now time.Time) *Project {
	plan := r.Plan
	if plan == "" {
		plan = PlanFree
	}
	return &Project{
		ID:             r.ID,
		Name:           r.Name,
		Plan:           plan,
		OwnCredentials: r.OwnCredentials,
		LimitOverrides: r.LimitOverrides,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UpdateProjectRequest is the input for updating a project.
type UpdateProjectRequest struct {
	Name           *string  `json:"name,omitempty"`
	Plan           *Plan    `json:"plan,omitempty"`
	OwnCredentials []string `json:"own_credentials,omitempty"`
	LimitOverrides Limits   `json:"limit_overrides,omitempty"`
}

func (r *UpdateProjectRequest) apply(p *Project) {
	if r.Name != nil {
		p.Name = *r.Name
	}
	if r.Plan != nil {
		p.Plan = *r.Plan
	}
	if r.OwnCredentials != nil {
		p.OwnCredentials = r.OwnCredentials
	}
	if r.LimitOverrides != nil {
		p.LimitOverrides = r.LimitOverrides
	}
	p.UpdatedAt = time.Now().UTC()
}

// Store persists projects and usage counters.
// Implementations must be safe for concurrent use.
type Store interface {
	Create(ctx context.Context, req *CreateProjectRequest) (*Project, error)
	Get(ctx context.Context, id string) (*Project, error)
	Update(ctx context.Context, id string, req *UpdateProjectRequest) (*Project, error)
	List(ctx context.Context) ([]*Project, error)

	// IncrementUsage adds counters to the project's usage for period and
	// returns the totals after the increment.
	IncrementUsage(ctx context.Context, projectID, period string, counters types.UsageCounters) (types.UsageCounters, error)
	GetUsage(ctx context.Context, projectID, period string) (types.UsageCounters, error)

	Close() error
}

// Period returns the usage period key for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
