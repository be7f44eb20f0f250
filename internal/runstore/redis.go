package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisClient connects to Redis and verifies the connection. The client
// is shared by every Redis-backed store in the process.
func NewRedisClient(cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisStore implements RunStore backed by Redis.
// Run records are JSON strings, step logs a list, events a stream.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
}

// NewRedisStore creates a Redis-backed RunStore on an existing client.
func NewRedisStore(client *redis.Client, prefix string, cfg *Config) *RedisStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if prefix == "" {
		prefix = "runs"
	}
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       time.Duration(cfg.TTLSeconds) * time.Second,
		maxEvents: cfg.EventMaxLen,
	}
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keySteps(runID string) string  { return fmt.Sprintf("%s:%s:steps", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }
func (s *RedisStore) keyIndex() string              { return s.prefix + ":index" }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) error {
	if s.ttl <= 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keySteps(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// CreateRun stores the run record and indexes it by creation time.
func (s *RedisStore) CreateRun(ctx context.Context, run *types.Run) error {
	if run == nil || run.RunID == "" {
		return fmt.Errorf("create run: run id required")
	}

	now := time.Now().UTC()
	stored := cloneRun(run)
	if stored.Status == "" {
		stored.Status = types.RunStatusQueued
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	steps := stored.Results.Steps
	stored.Results.Steps = nil

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.keyMeta(run.RunID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !ok {
		return ErrRunExists
	}

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.keyIndex(), redis.Z{Score: float64(stored.CreatedAt.UnixNano()), Member: run.RunID})
	pipe.Set(ctx, s.keySeq(run.RunID), "0", 0)
	for _, log := range steps {
		b, _ := json.Marshal(log)
		pipe.RPush(ctx, s.keySteps(run.RunID), b)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	if err := s.setTTL(ctx, run.RunID); err != nil {
		slog.Warn("failed to set TTL for run", slog.String("run_id", run.RunID), slog.Any("error", err))
	}
	return nil
}

// GetRun returns the run with its full step trail.
func (s *RedisStore) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	pipe := s.client.Pipeline()
	metaCmd := pipe.Get(ctx, s.keyMeta(runID))
	stepsCmd := pipe.LRange(ctx, s.keySteps(runID), 0, -1)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get run: %w", err)
	}

	raw, err := metaCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var run types.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}

	entries, _ := stepsCmd.Result()
	run.Results.Steps = make([]types.StepLog, 0, len(entries))
	for _, entry := range entries {
		var log types.StepLog
		if json.Unmarshal([]byte(entry), &log) == nil {
			run.Results.Steps = append(run.Results.Steps, log)
		}
	}
	return &run, nil
}

// ListRuns walks the creation index newest first. Expired runs are pruned
// from the index as they are encountered.
func (s *RedisStore) ListRuns(ctx context.Context, filter ListFilter) ([]*types.Run, error) {
	ids, err := s.client.ZRevRange(ctx, s.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	out := make([]*types.Run, 0)
	for _, id := range ids {
		raw, err := s.client.Get(ctx, s.keyMeta(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.client.ZRem(ctx, s.keyIndex(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		var run types.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			continue
		}
		if !filter.match(&run) {
			continue
		}
		out = append(out, &run)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdateRunStatus applies the transition under WATCH so concurrent updates
// cannot skip the state machine.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, update types.StatusUpdate) error {
	key := s.keyMeta(runID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrRunNotFound
		}
		if err != nil {
			return err
		}
		var run types.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return fmt.Errorf("unmarshal run: %w", err)
		}
		if err := applyStatus(&run, update); err != nil {
			return err
		}
		run.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(&run)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		s.setTTL(ctx, runID)
		return nil
	}
	return fmt.Errorf("update run status: %w", redis.TxFailedErr)
}

// AppendStepLog pushes onto the run's step list.
func (s *RedisStore) AppendStepLog(ctx context.Context, runID string, log types.StepLog) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	if err := s.client.RPush(ctx, s.keySteps(runID), data).Err(); err != nil {
		return fmt.Errorf("append step log: %w", err)
	}
	s.setTTL(ctx, runID)
	return nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	eventID := strconv.FormatInt(seq, 10)

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: now,
		Data:      dataBytes,
	}

	// Add to Redis Stream with MAXLEN
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]any{
			"seq":    eventID,
			"ts":     now.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"nodeId": input.NodeID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	s.setTTL(ctx, runID)
	return event, nil
}

func eventFromEntry(runID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	nodeID, _ := entry.Values["nodeId"].(string)
	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		NodeID:    nodeID,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var lastSeq int64
	if lastEventID != "" {
		lastSeq, _ = strconv.ParseInt(lastEventID, 10, 64)
	}

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		ev := eventFromEntry(runID, entry)
		seq, _ := strconv.ParseInt(ev.ID, 10, 64)
		if seq <= lastSeq {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Subscribe tails the run's stream. The reader goroutine owns the channel
// and closes it on cleanup, context end or a terminal status event.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *types.Event, 100)
	if run.Status.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}

	readCtx, cancel := context.WithCancel(ctx)
	go s.streamReader(readCtx, runID, ch)
	return ch, cancel, nil
}

// streamReader reads from the Redis Stream and pushes to channel.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	defer close(ch)

	lastID := "$" // Start from latest
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				event := eventFromEntry(runID, entry)
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
				if isTerminalStatusEvent(event) {
					return
				}
			}
		}
	}
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]any, error) {
	count, err := s.client.ZCard(ctx, s.keyIndex()).Result()
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	return map[string]any{
		"adapter":    "redis",
		"prefix":     s.prefix,
		"run_count":  count,
		"max_events": s.maxEvents,
		"ttl":        s.ttl.String(),
	}, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (s *RedisStore) Close() error {
	return nil
}

// Verify interface compliance
var _ RunStore = (*RedisStore)(nil)
