package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RecurringStore persists recurring entries so they survive restarts.
type RecurringStore interface {
	Save(ctx context.Context, entry *RecurringEntry) error
	// Delete reports whether the entry existed.
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]RecurringEntry, error)
}

// MemoryRecurringStore keeps entries in process memory.
type MemoryRecurringStore struct {
	mu      sync.RWMutex
	entries map[string]RecurringEntry
}

// NewMemoryRecurringStore creates an empty in-memory store.
func NewMemoryRecurringStore() *MemoryRecurringStore {
	return &MemoryRecurringStore{entries: make(map[string]RecurringEntry)}
}

func (s *MemoryRecurringStore) Save(_ context.Context, entry *RecurringEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = *entry
	return nil
}

func (s *MemoryRecurringStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	return ok, nil
}

func (s *MemoryRecurringStore) List(_ context.Context) ([]RecurringEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RecurringEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

// DefaultRecurringKey is the Redis hash holding recurring entries.
const DefaultRecurringKey = "jobs:recurring"

// RedisRecurringStore keeps entries in a single Redis hash keyed by id.
type RedisRecurringStore struct {
	client *redis.Client
	key    string
}

// NewRedisRecurringStore creates a store over an existing client.
func NewRedisRecurringStore(client *redis.Client, key string) *RedisRecurringStore {
	if key == "" {
		key = DefaultRecurringKey
	}
	return &RedisRecurringStore{client: client, key: key}
}

func (s *RedisRecurringStore) Save(ctx context.Context, entry *RecurringEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.client.HSet(ctx, s.key, entry.ID, data).Err()
}

func (s *RedisRecurringStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.HDel(ctx, s.key, id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisRecurringStore) List(ctx context.Context) ([]RecurringEntry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RecurringEntry, 0, len(raw))
	for id, data := range raw {
		var e RecurringEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return nil, fmt.Errorf("unmarshal entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

var (
	_ RecurringStore = (*MemoryRecurringStore)(nil)
	_ RecurringStore = (*RedisRecurringStore)(nil)
)
