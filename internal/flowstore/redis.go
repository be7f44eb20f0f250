package flowstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	flowKeyPrefix = "workflow:"
	flowListKey   = "workflows"
)

// RedisStore implements FlowStore using Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store using an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) flowKey(id string) string {
	return flowKeyPrefix + id
}

// Create saves a new workflow.
func (s *RedisStore) Create(ctx context.Context, req *CreateFlowRequest) (*Flow, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.New().String()
	}

	now := time.Now().UTC()
	flow := &Flow{
		ID:          id,
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Description: req.Description,
		Version:     1,
		Definition:  req.Definition,
		Metadata:    req.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   req.CreatedBy,
	}

	data, err := json.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.flowKey(id), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}
	if !ok {
		return nil, ErrFlowExists
	}
	if err := s.client.SAdd(ctx, flowListKey, id).Err(); err != nil {
		return nil, fmt.Errorf("index workflow: %w", err)
	}

	return flow, nil
}

// Get retrieves a workflow by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Flow, error) {
	data, err := s.client.Get(ctx, s.flowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrFlowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}

	var flow Flow
	if err := json.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}

	return &flow, nil
}

// Update modifies an existing workflow.
func (s *RedisStore) Update(ctx context.Context, id string, req *UpdateFlowRequest) (*Flow, error) {
	flow, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	req.apply(flow)

	data, err := json.Marshal(flow)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow: %w", err)
	}

	if err := s.client.Set(ctx, s.flowKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("save workflow: %w", err)
	}

	return flow, nil
}

// Delete removes a workflow.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.flowKey(id))
	pipe.SRem(ctx, flowListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if del.Val() == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// List returns all workflows matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*Flow, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	ids, err := s.client.SMembers(ctx, flowListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workflow ids: %w", err)
	}

	flows := make([]*Flow, 0, len(ids))
	for _, id := range ids {
		flow, err := s.Get(ctx, id)
		if errors.Is(err, ErrFlowNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, flowListKey, id)
			continue
		}
		if err != nil {
			continue // Skip on error
		}
		if !opts.match(flow) {
			continue
		}
		flows = append(flows, flow)
	}

	return opts.page(flows), nil
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

var _ FlowStore = (*RedisStore)(nil)
