package jobs

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flexinfer/mentatlab/services/automations-go/internal/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrInvalidRepeat is returned for a repeat spec that cannot be scheduled.
var ErrInvalidRepeat = errors.New("invalid repeat")

// Repeat describes when a recurring entry fires: a cron expression or a
// fixed interval. Exactly one must be set.
type Repeat struct {
	Cron  string        `json:"cron,omitempty"`
	Every time.Duration `json:"every,omitempty"`
}

// Validate checks the repeat spec.
func (r Repeat) Validate() error {
	_, err := r.schedule()
	return err
}

func (r Repeat) schedule() (cron.Schedule, error) {
	switch {
	case r.Cron != "" && r.Every != 0:
		return nil, fmt.Errorf("%w: cron and every are mutually exclusive", ErrInvalidRepeat)
	case r.Cron != "":
		s, err := cronParser.Parse(r.Cron)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRepeat, err)
		}
		return s, nil
	case r.Every >= time.Second:
		return cron.Every(r.Every), nil
	case r.Every > 0:
		return nil, fmt.Errorf("%w: interval must be at least 1s", ErrInvalidRepeat)
	default:
		return nil, fmt.Errorf("%w: cron or every is required", ErrInvalidRepeat)
	}
}

func (r Repeat) String() string {
	if r.Cron != "" {
		return r.Cron
	}
	return "@every " + r.Every.String()
}

// RecurringEntry is a registry record that periodically enqueues a job.
type RecurringEntry struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Queue     string          `json:"queue"`
	Payload   json.RawMessage `json:"payload"`
	Repeat    Repeat          `json:"repeat"`
	CreatedAt time.Time       `json:"created_at"`
}

// NextRun returns the next firing time after t.
func (e *RecurringEntry) NextRun(t time.Time) time.Time {
	s, err := e.Repeat.schedule()
	if err != nil {
		return time.Time{}
	}
	return s.Next(t)
}

// RecurringID derives the entry id from its key and repeat spec. The same
// key with a different repeat yields a different entry.
func RecurringID(key string, repeat Repeat) string {
	sum := sha1.Sum([]byte(key + ":" + repeat.String()))
	return "repeat:" + key + ":" + hex.EncodeToString(sum[:])[:16]
}

type scheduledEntry struct {
	entry  RecurringEntry
	cronID cron.EntryID
}

// AddRecurring installs or replaces a recurring entry that enqueues
// payload on queue whenever repeat fires.
func (b *Broker) AddRecurring(ctx context.Context, queueName, key string, payload any, repeat Repeat) (*RecurringEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidRepeat)
	}
	if err := repeat.Validate(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	_, ok := b.queues[queueName]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	entry := RecurringEntry{
		ID:        RecurringID(key, repeat),
		Key:       key,
		Queue:     queueName,
		Payload:   raw,
		Repeat:    repeat,
		CreatedAt: time.Now().UTC(),
	}

	if err := b.store.Save(ctx, &entry); err != nil {
		return nil, fmt.Errorf("save recurring entry: %w", err)
	}
	if err := b.schedule(&entry); err != nil {
		return nil, err
	}

	b.logger.Info("recurring entry added",
		"id", entry.ID,
		"key", key,
		"queue", queueName,
		"repeat", repeat.String(),
	)
	return &entry, nil
}

// schedule registers an entry with cron, replacing an existing one with
// the same id.
func (b *Broker) schedule(entry *RecurringEntry) error {
	sched, err := entry.Repeat.schedule()
	if err != nil {
		return err
	}

	b.recurMu.Lock()
	defer b.recurMu.Unlock()

	if existing, ok := b.recurring[entry.ID]; ok {
		b.cron.Remove(existing.cronID)
	}

	e := *entry
	cronID := b.cron.Schedule(sched, cron.FuncJob(func() { b.fire(e) }))
	b.recurring[entry.ID] = &scheduledEntry{entry: e, cronID: cronID}
	return nil
}

func (b *Broker) fire(entry RecurringEntry) {
	if _, err := b.Enqueue(b.ctx, entry.Queue, entry.Payload, RetryPolicy{Attempts: 1}); err != nil {
		metrics.RecurringFired.WithLabelValues("error").Inc()
		b.logger.Error("recurring entry enqueue failed",
			"id", entry.ID,
			"key", entry.Key,
			"error", err,
		)
		return
	}
	metrics.RecurringFired.WithLabelValues("enqueued").Inc()
}

// RemoveRecurring removes every entry whose key equals key exactly. It
// reports whether anything was removed.
func (b *Broker) RemoveRecurring(ctx context.Context, key string) (bool, error) {
	entries, err := b.ListRecurring(ctx)
	if err != nil {
		return false, err
	}

	removed := false
	for _, e := range entries {
		if e.Key != key {
			continue
		}
		ok, err := b.RemoveRecurringByID(ctx, e.ID)
		if err != nil {
			return removed, err
		}
		removed = removed || ok
	}
	return removed, nil
}

// RemoveRecurringByID removes a single entry by id.
func (b *Broker) RemoveRecurringByID(ctx context.Context, id string) (bool, error) {
	b.recurMu.Lock()
	existing, scheduled := b.recurring[id]
	if scheduled {
		b.cron.Remove(existing.cronID)
		delete(b.recurring, id)
	}
	b.recurMu.Unlock()

	deleted, err := b.store.Delete(ctx, id)
	if err != nil {
		return scheduled, fmt.Errorf("delete recurring entry: %w", err)
	}
	if scheduled || deleted {
		b.logger.Info("recurring entry removed", "id", id)
	}
	return scheduled || deleted, nil
}

// ListRecurring returns all persisted entries ordered by key.
func (b *Broker) ListRecurring(ctx context.Context) ([]RecurringEntry, error) {
	entries, err := b.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recurring entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}
