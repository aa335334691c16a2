// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/progress-pubsub/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ProgressStore implements the store.ProgressRepository interface using Postgres.
type ProgressStore struct {
	pool pool
}

// Schema creates the progress_runs table. Counters are BIGINT; values above
// math.MaxInt64 are stored saturated.
const Schema = `
CREATE TABLE IF NOT EXISTS progress_runs (
	id            UUID PRIMARY KEY,
	publisher     TEXT        NOT NULL,
	status        TEXT        NOT NULL,
	current       BIGINT      NOT NULL DEFAULT 0,
	total         BIGINT      NOT NULL DEFAULT 0,
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS progress_runs_started_at_idx ON progress_runs (started_at DESC);
`

// NewProgressStore creates a new ProgressStore with its own connection pool.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool wraps an existing pool, typically a pgxmock pool in
// tests.
func NewProgressStoreWithPool(p pool) *ProgressStore {
	return &ProgressStore{pool: p}
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// EnsureSchema applies Schema.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// StartRun inserts a running row. Re-inserting an existing id is ignored.
func (s *ProgressStore) StartRun(ctx context.Context, run store.Run) error {
	query := `
		INSERT INTO progress_runs (id, publisher, status, current, total, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query,
		run.ID,
		run.Publisher,
		store.RunRunning,
		toBigint(run.Current),
		toBigint(run.Total),
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// RecordProgress updates the counters of a run.
func (s *ProgressStore) RecordProgress(
	ctx context.Context,
	runID uuid.UUID,
	current,
	total uint64,
	at time.Time,
) error {
	query := `
		UPDATE progress_runs
		SET current = $1, total = $2, updated_at = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, toBigint(current), toBigint(total), at, runID)
	if err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// FinishRun marks a run as finished with a status and optional error message.
func (s *ProgressStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE progress_runs
		SET finished_at = $1, updated_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectRun = `
	SELECT id, publisher, status, current, total, started_at, updated_at, finished_at, error_message
	FROM progress_runs
`

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, selectRun+"WHERE id = $1;", runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := selectRun + `
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var statusArg any
	if status != nil {
		statusArg = string(*status)
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run            store.Run
		id             string
		current, total int64
	)
	err := row.Scan(
		&id,
		&run.Publisher,
		&run.Status,
		&current,
		&total,
		&run.StartedAt,
		&run.UpdatedAt,
		&run.FinishedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	if run.ID, err = uuid.Parse(id); err != nil {
		return store.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.Current = fromBigint(current)
	run.Total = fromBigint(total)
	return run, nil
}

func toBigint(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func fromBigint(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
