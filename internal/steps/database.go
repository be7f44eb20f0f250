package steps

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flexinfer/mentatlab/services/automations-go/pkg/types"
)

// Querier is the subset of pgxpool.Pool used by the database step.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Database runs SQL against PostgreSQL.
//
// Config: query, params, connection_string (own database; otherwise the
// platform pool is used).
// Output: {rows, row_count}.
type Database struct {
	pool Querier
}

// NewDatabase creates the database step over the platform pool, which may
// be nil when only per-step connection strings are allowed.
func NewDatabase(pool Querier) *Database {
	return &Database{pool: pool}
}

// OpenPool connects a pgx pool and verifies it with a ping.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func (d *Database) Type() string { return types.StepDatabase }

func (d *Database) Run(ctx context.Context, cfg map[string]any, _ map[string]any) (map[string]any, error) {
	query := getString(cfg, "query")
	if query == "" {
		return nil, invalidConfig("database step requires query")
	}
	var args []any
	if params, ok := cfg["params"].([]any); ok {
		args = params
	}

	q := d.pool
	if dsn := getString(cfg, "connection_string"); dsn != "" {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		defer conn.Close(context.WithoutCancel(ctx))
		q = conn
	}
	if q == nil {
		return nil, invalidConfig("no database configured")
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("collect rows: %w", err)
	}

	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return map[string]any{
		"rows":      out,
		"row_count": len(records),
	}, nil
}
