// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/searchingfox/searchrun/internal/clock"
	"github.com/searchingfox/searchrun/internal/feed"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

// RunStore keeps runs in a map guarded by a mutex.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]run.Run
	clock clock.Clock
	feed  feed.Publisher
}

// NewRunStore constructs a RunStore. The publisher may be nil.
func NewRunStore(clk clock.Clock, pub feed.Publisher) *RunStore {
	return &RunStore{
		runs:  make(map[uuid.UUID]run.Run),
		clock: clk,
		feed:  pub,
	}
}

// Create inserts a new pending run.
func (s *RunStore) Create(
	_ context.Context,
	userID string,
	params run.Parameters,
	source run.Source,
	cc run.ClientContext,
) (run.Run, error) {
	r := run.NewPending(userID, params, source, cc, s.clock.Now())
	s.mu.Lock()
	s.runs[r.ID] = r
	s.mu.Unlock()
	// The new pending row goes on the feed too, so server-side session
	// monitors can adopt runs they did not create.
	if s.feed != nil {
		s.feed.Publish(r)
	}
	return r, nil
}

// CreateBatch inserts pre-built runs and publishes each new row.
func (s *RunStore) CreateBatch(_ context.Context, runs []run.Run) error {
	s.mu.Lock()
	for _, r := range runs {
		s.runs[r.ID] = r
	}
	s.mu.Unlock()
	if s.feed != nil {
		for _, r := range runs {
			s.feed.Publish(r)
		}
	}
	return nil
}

// UpdateStatus applies a transition and publishes the updated record when the
// status genuinely changed.
func (s *RunStore) UpdateStatus(_ context.Context, id uuid.UUID, upd run.StatusUpdate) (run.Run, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return run.Run{}, store.ErrNotFound
	}
	changed, err := run.ApplyStatus(&r, upd, s.clock.Now())
	if err != nil {
		s.mu.Unlock()
		return run.Run{}, err
	}
	s.runs[id] = r
	s.mu.Unlock()

	if changed && s.feed != nil {
		s.feed.Publish(r)
	}
	return r, nil
}

// Get loads a run by id.
func (s *RunStore) Get(_ context.Context, id uuid.UUID) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return run.Run{}, store.ErrNotFound
	}
	return r, nil
}

// ActiveForUser returns the most recently created pending/running run.
func (s *RunStore) ActiveForUser(_ context.Context, userID string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest(userID, func(r run.Run) (time.Time, bool) {
		return r.CreatedAt, r.Status.Active()
	})
}

// LastSuccessfulForUser returns the most recently completed success.
func (s *RunStore) LastSuccessfulForUser(_ context.Context, userID string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest(userID, func(r run.Run) (time.Time, bool) {
		if r.Status != run.StatusSuccess || r.CompletedAt == nil {
			return time.Time{}, false
		}
		return *r.CompletedAt, true
	})
}

// Delete removes a run. Used by tests to simulate a run disappearing between
// polls.
func (s *RunStore) Delete(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, id)
}

func (s *RunStore) latest(userID string, keep func(run.Run) (time.Time, bool)) (run.Run, error) {
	type candidate struct {
		r  run.Run
		at time.Time
	}
	var matches []candidate
	for _, r := range s.runs {
		if r.UserID != userID {
			continue
		}
		at, ok := keep(r)
		if !ok {
			continue
		}
		matches = append(matches, candidate{r: r, at: at})
	}
	if len(matches) == 0 {
		return run.Run{}, store.ErrNotFound
	}
	// Scheduled batch rows share one timestamp, so ties need a stable
	// tiebreaker or the answer flaps with map iteration order.
	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].at.Equal(matches[j].at) {
			return matches[i].at.After(matches[j].at)
		}
		return matches[i].r.ID.String() < matches[j].r.ID.String()
	})
	return matches[0].r, nil
}

// UserStore is an in-memory store.UserStore.
type UserStore struct {
	mu         sync.RWMutex
	eligible   []string
	lastSearch map[string]run.Parameters
}

// NewUserStore constructs an empty UserStore.
func NewUserStore() *UserStore {
	return &UserStore{lastSearch: make(map[string]run.Parameters)}
}

// SetEligible replaces the eligible-user list.
func (s *UserStore) SetEligible(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eligible = append([]string(nil), ids...)
}

// SetLastSearch records a stored preference for the user.
func (s *UserStore) SetLastSearch(userID string, params run.Parameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSearch[userID] = params
}

// EligibleUsers lists users subscribed to scheduled searches.
func (s *UserStore) EligibleUsers(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.eligible...), nil
}

// LastSearchParams returns the stored preference or store.ErrNotFound.
func (s *UserStore) LastSearchParams(_ context.Context, userID string) (run.Parameters, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	params, ok := s.lastSearch[userID]
	if !ok {
		return run.Parameters{}, store.ErrNotFound
	}
	return params, nil
}
