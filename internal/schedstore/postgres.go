package schedstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Schema creates the schedule tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS schedules (
	schedule_id      TEXT PRIMARY KEY,
	agent_id         TEXT NOT NULL,
	project_id       TEXT NOT NULL,
	input            JSONB NOT NULL DEFAULT '{}',
	cron             TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 0,
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS schedules_agent_id_idx ON schedules (agent_id);
CREATE INDEX IF NOT EXISTS schedules_project_id_idx ON schedules (project_id);

CREATE TABLE IF NOT EXISTS schedule_cleanup_queue (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	schedule_id  TEXT NOT NULL,
	agent_id     TEXT NOT NULL,
	deleted_at   TIMESTAMPTZ NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS schedule_cleanup_pending_idx ON schedule_cleanup_queue (processed, seq);
`

const scheduleColumns = "schedule_id, agent_id, project_id, input, cron, interval_seconds, enabled, created_at, updated_at"

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schedules: %w", err)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*types.Schedule, error) {
	var (
		sched types.Schedule
		input []byte
	)
	err := row.Scan(&sched.ScheduleID, &sched.AgentID, &sched.ProjectID, &input,
		&sched.Cron, &sched.IntervalSeconds, &sched.Enabled, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &sched.Input); err != nil {
			return nil, fmt.Errorf("decode input: %w", err)
		}
	}
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	return &sched, nil
}

func encodeInput(in map[string]any) (string, error) {
	if in == nil {
		return "{}", nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	return string(b), nil
}

func (s *PostgresStore) Create(ctx context.Context, sched *types.Schedule) error {
	input, err := encodeInput(sched.Input)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now

	_, err = s.db.Exec(ctx,
		"INSERT INTO schedules ("+scheduleColumns+") VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9)",
		sched.ScheduleID, sched.AgentID, sched.ProjectID, input, sched.Cron, sched.IntervalSeconds,
		sched.Enabled, sched.CreatedAt, sched.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrScheduleExists
	}
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.Schedule, error) {
	sched, err := scanSchedule(s.db.QueryRow(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE schedule_id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sched, nil
}

func (s *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*types.Schedule, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+scheduleColumns+" FROM schedules"+
			" WHERE ($1::text = '' OR project_id = $1::text) AND ($2::text = '' OR agent_id = $2::text)"+
			" ORDER BY created_at, schedule_id",
		opts.ProjectID, opts.AgentID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	out := make([]*types.Schedule, 0)
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListByWorkflow(ctx context.Context, agentID string) ([]*types.Schedule, error) {
	return s.List(ctx, ListOptions{AgentID: agentID})
}

func (s *PostgresStore) Update(ctx context.Context, sched *types.Schedule) error {
	input, err := encodeInput(sched.Input)
	if err != nil {
		return err
	}
	sched.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx,
		"UPDATE schedules SET input = $2::jsonb, cron = $3, interval_seconds = $4, enabled = $5, updated_at = $6 WHERE schedule_id = $1",
		sched.ScheduleID, input, sched.Cron, sched.IntervalSeconds, sched.Enabled, sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM schedules WHERE schedule_id = $1", id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteByWorkflow(ctx context.Context, agentID string) ([]*types.Schedule, error) {
	var deleted []*types.Schedule
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			"DELETE FROM schedules WHERE agent_id = $1 RETURNING "+scheduleColumns, agentID)
		if err != nil {
			return err
		}
		for rows.Next() {
			sched, err := scanSchedule(rows)
			if err != nil {
				rows.Close()
				return err
			}
			deleted = append(deleted, sched)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC()
		batch := &pgx.Batch{}
		for _, sched := range deleted {
			batch.Queue(
				"INSERT INTO schedule_cleanup_queue (id, schedule_id, agent_id, deleted_at) VALUES ($1, $2, $3, $4)",
				uuid.New().String(), sched.ScheduleID, agentID, now)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("delete workflow schedules: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) PendingCleanups(ctx context.Context, limit int) ([]types.ScheduleCleanup, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.Query(ctx,
		"SELECT id, schedule_id, agent_id, deleted_at, processed, processed_at FROM schedule_cleanup_queue"+
			" WHERE NOT processed ORDER BY seq LIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("pending cleanups: %w", err)
	}
	defer rows.Close()

	var out []types.ScheduleCleanup
	for rows.Next() {
		var c types.ScheduleCleanup
		if err := rows.Scan(&c.ID, &c.ScheduleID, &c.AgentID, &c.DeletedAt, &c.Processed, &c.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan cleanup: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE schedule_cleanup_queue SET processed = TRUE, processed_at = $2 WHERE id = $1",
		id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark cleanup processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM schedule_cleanup_queue WHERE processed AND processed_at < $1", olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge cleanups: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool is closed by its owner.
func (s *PostgresStore) Close() error { return nil }

var _ Store = (*PostgresStore)(nil)
