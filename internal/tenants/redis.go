package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

const (
	// Key patterns for Redis storage
	projectKeyPrefix = "project:"
	projectIndexKey  = "projects:all"
	usageKeyPrefix   = "usage:"

	// usageTTL keeps a year of monthly counters.
	usageTTL = 400 * 24 * time.Hour
)

// RedisStore implements Store using Redis. Usage counters are hashes
// incremented with HINCRBY.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store from an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func projectKey(id string) string { return projectKeyPrefix + id }

func usageKey(projectID, period string) string {
	return usageKeyPrefix + projectID + ":" + period
}

// Create registers a new project.
func (r *RedisStore) Create(ctx context.Context, req *CreateProjectRequest) (*Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := req.project(time.Now().UTC())
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal project: %w", err)
	}

	ok, err := r.client.SetNX(ctx, projectKey(p.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	if !ok {
		return nil, ErrProjectExists
	}
	if err := r.client.SAdd(ctx, projectIndexKey, p.ID).Err(); err != nil {
		return nil, fmt.Errorf("index project: %w", err)
	}
	return p, nil
}

// Get retrieves a project by ID.
func (r *RedisStore) Get(ctx context.Context, id string) (*Project, error) {
	data, err := r.client.Get(ctx, projectKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}

	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal project: %w", err)
	}
	return &p, nil
}

// Update modifies an existing project.
func (r *RedisStore) Update(ctx context.Context, id string, req *UpdateProjectRequest) (*Project, error) {
	p, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req.apply(p)

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal project: %w", err)
	}
	if err := r.client.Set(ctx, projectKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("update project: %w", err)
	}
	return p, nil
}

// List returns all projects ordered by ID.
func (r *RedisStore) List(ctx context.Context) ([]*Project, error) {
	ids, err := r.client.SMembers(ctx, projectIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}
	sort.Strings(ids)

	out := make([]*Project, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if errors.Is(err, ErrProjectNotFound) {
			r.client.SRem(ctx, projectIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// IncrementUsage applies every counter in one MULTI and returns the totals.
func (r *RedisStore) IncrementUsage(ctx context.Context, projectID, period string, counters types.UsageCounters) (types.UsageCounters, error) {
	key := usageKey(projectID, period)

	pipe := r.client.TxPipeline()
	for k, v := range counters {
		pipe.HIncrBy(ctx, key, k, v)
	}
	pipe.Expire(ctx, key, usageTTL)
	all := pipe.HGetAll(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("increment usage: %w", err)
	}
	return parseCounters(all.Val()), nil
}

// GetUsage returns the period totals.
func (r *RedisStore) GetUsage(ctx context.Context, projectID, period string) (types.UsageCounters, error) {
	vals, err := r.client.HGetAll(ctx, usageKey(projectID, period)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return parseCounters(vals), nil
}

func parseCounters(vals map[string]string) types.UsageCounters {
	out := make(types.UsageCounters, len(vals))
	for k, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			out[k] = n
		}
	}
	return out
}

// Close is a no-op; the shared client is closed by its owner.
func (r *RedisStore) Close() error { return nil }

var _ Store = (*RedisStore)(nil)
