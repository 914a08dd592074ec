// Package postgres provides Postgres-backed store implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/searchingfox/searchrun/internal/clock"
	"github.com/searchingfox/searchrun/internal/feed"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

// querier is the narrow pool surface the stores need; pgxmock satisfies it
// in tests.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStoreConfig controls the connection pool.
type RunStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// RunStore persists search runs in the search_runs table.
type RunStore struct {
	pool  querier
	clock clock.Clock
	feed  feed.Publisher
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig, clk clock.Clock, pub feed.Publisher) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{pool: pool, clock: clk, feed: pub}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for
// testing).
func NewRunStoreWithPool(pool querier, clk clock.Clock, pub feed.Publisher) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool, clock: clk, feed: pub}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	s.pool.Close()
}

const runColumns = `id, user_id, source, client_context, params, status, error_message, jobs_found,
	created_at, updated_at, started_at, completed_at`

const insertRunSQL = `INSERT INTO search_runs (` + runColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

// Create inserts a new pending run.
func (s *RunStore) Create(
	ctx context.Context,
	userID string,
	params run.Parameters,
	source run.Source,
	cc run.ClientContext,
) (run.Run, error) {
	r := run.NewPending(userID, params, source, cc, s.clock.Now())
	args, err := insertArgs(r)
	if err != nil {
		return run.Run{}, err
	}
	if _, err := s.pool.Exec(ctx, insertRunSQL, args...); err != nil {
		return run.Run{}, fmt.Errorf("insert run: %w", err)
	}
	// The new pending row is announced so server-side session monitors can
	// adopt runs they did not create.
	if s.feed != nil {
		s.feed.Publish(r)
	}
	return r, nil
}

// CreateBatch inserts pre-built runs in one statement. Callers chunk batches
// to respect statement limits.
func (s *RunStore) CreateBatch(ctx context.Context, runs []run.Run) error {
	if len(runs) == 0 {
		return nil
	}
	var (
		sb   strings.Builder
		args []any
	)
	sb.WriteString("INSERT INTO search_runs (" + runColumns + ") VALUES ")
	for i, r := range runs {
		rowArgs, err := insertArgs(r)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := range rowArgs {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*12+j+1)
		}
		sb.WriteString(")")
		args = append(args, rowArgs...)
	}
	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert run batch: %w", err)
	}
	if s.feed != nil {
		for _, r := range runs {
			s.feed.Publish(r)
		}
	}
	return nil
}

const updateRunSQL = `UPDATE search_runs
SET status = $2, error_message = $3, jobs_found = $4, updated_at = $5, started_at = $6, completed_at = $7
WHERE id = $1`

// UpdateStatus loads the row, applies the transition rules, writes the new
// values back, and publishes the updated record when the status changed.
// Reads and writes are not transactional; terminal writes are last-write-wins.
// Only the worker and the client's timeout detector write them, and both
// treat the transition as idempotent.
func (s *RunStore) UpdateStatus(ctx context.Context, id uuid.UUID, upd run.StatusUpdate) (run.Run, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return run.Run{}, err
	}
	changed, err := run.ApplyStatus(&r, upd, s.clock.Now())
	if err != nil {
		return run.Run{}, err
	}
	if !changed {
		return r, nil
	}
	if _, err := s.pool.Exec(ctx, updateRunSQL,
		r.ID, r.Status, r.ErrorMessage, r.JobsFound, r.UpdatedAt, r.StartedAt, r.CompletedAt,
	); err != nil {
		return run.Run{}, fmt.Errorf("update run status: %w", err)
	}
	if s.feed != nil {
		s.feed.Publish(r)
	}
	return r, nil
}

const getRunSQL = `SELECT ` + runColumns + ` FROM search_runs WHERE id = $1`

// Get loads a run by id or returns store.ErrNotFound.
func (s *RunStore) Get(ctx context.Context, id uuid.UUID) (run.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx, getRunSQL, id), "get run")
}

const activeRunSQL = `SELECT ` + runColumns + ` FROM search_runs
WHERE user_id = $1 AND status IN ('pending', 'running')
ORDER BY created_at DESC
LIMIT 1`

// ActiveForUser returns the most recently created pending/running run.
func (s *RunStore) ActiveForUser(ctx context.Context, userID string) (run.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx, activeRunSQL, userID), "active run")
}

const lastSuccessSQL = `SELECT ` + runColumns + ` FROM search_runs
WHERE user_id = $1 AND status = 'success'
ORDER BY completed_at DESC
LIMIT 1`

// LastSuccessfulForUser returns the most recent success for the user.
func (s *RunStore) LastSuccessfulForUser(ctx context.Context, userID string) (run.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx, lastSuccessSQL, userID), "last successful run")
}

func (s *RunStore) scanRun(row pgx.Row, op string) (run.Run, error) {
	var (
		r       run.Run
		ccJSON  []byte
		pJSON   []byte
		status  string
		sourceS string
	)
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&sourceS,
		&ccJSON,
		&pJSON,
		&status,
		&r.ErrorMessage,
		&r.JobsFound,
		&r.CreatedAt,
		&r.UpdatedAt,
		&r.StartedAt,
		&r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run.Run{}, store.ErrNotFound
		}
		return run.Run{}, fmt.Errorf("%s: %w", op, err)
	}
	r.Source = run.Source(sourceS)
	r.Status = run.Status(status)
	if len(ccJSON) > 0 {
		if err := json.Unmarshal(ccJSON, &r.ClientContext); err != nil {
			return run.Run{}, fmt.Errorf("%s: decode client_context: %w", op, err)
		}
	}
	if len(pJSON) > 0 {
		if err := json.Unmarshal(pJSON, &r.Params); err != nil {
			return run.Run{}, fmt.Errorf("%s: decode params: %w", op, err)
		}
	}
	return r, nil
}

func insertArgs(r run.Run) ([]any, error) {
	ccJSON, err := json.Marshal(r.ClientContext)
	if err != nil {
		return nil, fmt.Errorf("encode client_context: %w", err)
	}
	pJSON, err := json.Marshal(r.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return []any{
		r.ID,
		r.UserID,
		string(r.Source),
		ccJSON,
		pJSON,
		string(r.Status),
		r.ErrorMessage,
		r.JobsFound,
		r.CreatedAt,
		r.UpdatedAt,
		r.StartedAt,
		r.CompletedAt,
	}, nil
}
