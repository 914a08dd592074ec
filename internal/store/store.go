// Package store declares the persistence interfaces for search runs and
// user preferences.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/searchingfox/searchrun/internal/run"
)

// ErrNotFound signals that the requested record does not exist. For
// ActiveForUser and LastSuccessfulForUser it is a normal outcome, not a
// failure.
var ErrNotFound = errors.New("record not found")

// RunStore persists search runs and notifies the feed on genuine status
// changes.
type RunStore interface {
	// Create inserts a new pending run for the user.
	Create(ctx context.Context, userID string, params run.Parameters, source run.Source, cc run.ClientContext) (run.Run, error)
	// CreateBatch inserts pre-built pending runs in one statement. Callers
	// are responsible for keeping batches within store limits.
	CreateBatch(ctx context.Context, runs []run.Run) error
	// UpdateStatus applies a transition with the auto-timestamp rules and
	// returns the updated record. Re-applying the current status succeeds
	// without firing change notifications.
	UpdateStatus(ctx context.Context, id uuid.UUID, upd run.StatusUpdate) (run.Run, error)
	// Get loads a run or returns ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (run.Run, error)
	// ActiveForUser returns the most recently created pending/running run.
	ActiveForUser(ctx context.Context, userID string) (run.Run, error)
	// LastSuccessfulForUser returns the most recent success, used to seed
	// default search parameters.
	LastSuccessfulForUser(ctx context.Context, userID string) (run.Run, error)
}

// UserStore exposes the user attributes the scheduler needs.
type UserStore interface {
	// EligibleUsers lists users subscribed to scheduled searches.
	EligibleUsers(ctx context.Context) ([]string, error)
	// LastSearchParams returns the user's stored last-search preference or
	// ErrNotFound.
	LastSearchParams(ctx context.Context, userID string) (run.Parameters, error)
}
