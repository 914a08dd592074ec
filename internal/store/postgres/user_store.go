package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

// UserStore reads scheduler-relevant user attributes from user_prefs.
type UserStore struct {
	pool querier
}

// NewUserStoreWithPool constructs a UserStore over an existing pool.
func NewUserStoreWithPool(pool querier) (*UserStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &UserStore{pool: pool}, nil
}

// NewUserStoreFromRunStore shares the run store's connection pool.
func NewUserStoreFromRunStore(runs *RunStore) (*UserStore, error) {
	if runs == nil {
		return nil, fmt.Errorf("run store is required")
	}
	return NewUserStoreWithPool(runs.pool)
}

const eligibleUsersSQL = `SELECT user_id FROM user_prefs WHERE notifications_enabled`

// EligibleUsers lists users subscribed to scheduled searches.
func (s *UserStore) EligibleUsers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, eligibleUsersSQL)
	if err != nil {
		return nil, fmt.Errorf("list eligible users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan eligible user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible users: %w", err)
	}
	return ids, nil
}

const lastSearchSQL = `SELECT last_search FROM user_prefs WHERE user_id = $1 AND last_search IS NOT NULL`

// LastSearchParams returns the user's stored last-search preference.
func (s *UserStore) LastSearchParams(ctx context.Context, userID string) (run.Parameters, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, lastSearchSQL, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return run.Parameters{}, store.ErrNotFound
		}
		return run.Parameters{}, fmt.Errorf("last search params: %w", err)
	}
	var params run.Parameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return run.Parameters{}, fmt.Errorf("decode last search params: %w", err)
	}
	return params, nil
}
