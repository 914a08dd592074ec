package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/searchingfox/searchrun/internal/clock/clocktest"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

type capturePublisher struct {
	published []run.Run
}

func (p *capturePublisher) Publish(r run.Run) { p.published = append(p.published, r) }

func intPtr(v int) *int { return &v }

func newStore(t *testing.T) (*RunStore, *clocktest.Clock, *capturePublisher) {
	t.Helper()
	clk := clocktest.At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	pub := &capturePublisher{}
	return NewRunStore(clk, pub), clk, pub
}

// TestCreateAndGet verifies round-tripping a created run.
func TestCreateAndGet(t *testing.T) {
	t.Parallel()

	s, clk, pub := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "u1", run.Parameters{JobTitle: "analyst"}, run.SourceManual, run.ClientContext{"ua": "test"})
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, created.Status)
	require.Equal(t, clk.Now(), created.CreatedAt)

	// The fresh pending row is announced so session monitors can adopt it.
	require.Len(t, pub.published, 1)
	require.Equal(t, created, pub.published[0])

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created, got)

	_, err = s.Get(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestUpdateStatusPublishesOnChangeOnly verifies the change feed fires once
// per genuine transition and never for duplicates.
func TestUpdateStatusPublishesOnChangeOnly(t *testing.T) {
	t.Parallel()

	s, _, pub := newStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "u1", run.Parameters{}, run.SourceManual, nil)
	require.NoError(t, err)
	require.Len(t, pub.published, 1)

	_, err = s.UpdateStatus(ctx, created.ID, run.StatusUpdate{Status: run.StatusRunning})
	require.NoError(t, err)
	require.Len(t, pub.published, 2)

	// Duplicate delivery of the same status publishes nothing.
	_, err = s.UpdateStatus(ctx, created.ID, run.StatusUpdate{Status: run.StatusRunning})
	require.NoError(t, err)
	require.Len(t, pub.published, 2)

	updated, err := s.UpdateStatus(ctx, created.ID, run.StatusUpdate{Status: run.StatusSuccess, JobsFound: intPtr(12)})
	require.NoError(t, err)
	require.Len(t, pub.published, 3)
	require.Equal(t, updated, pub.published[2])
}

// TestUpdateStatusErrors covers missing runs and invalid payloads.
func TestUpdateStatusErrors(t *testing.T) {
	t.Parallel()

	s, _, pub := newStore(t)
	ctx := context.Background()

	_, err := s.UpdateStatus(ctx, uuid.New(), run.StatusUpdate{Status: run.StatusRunning})
	require.ErrorIs(t, err, store.ErrNotFound)

	created, err := s.Create(ctx, "u1", run.Parameters{}, run.SourceManual, nil)
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, created.ID, run.StatusUpdate{Status: run.StatusFailed})
	require.ErrorIs(t, err, run.ErrInvalidTransition)
	// Only the create announcement; the rejected update publishes nothing.
	require.Len(t, pub.published, 1)

	// The stored record is untouched after a rejected update.
	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, run.StatusPending, got.Status)
}

// TestActiveForUser verifies the newest pending/running run wins and terminal
// runs are excluded.
func TestActiveForUser(t *testing.T) {
	t.Parallel()

	s, clk, _ := newStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "u1", run.Parameters{}, run.SourceManual, nil)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := s.Create(ctx, "u1", run.Parameters{}, run.SourceCron, nil)
	require.NoError(t, err)
	_, err = s.Create(ctx, "u2", run.Parameters{}, run.SourceManual, nil)
	require.NoError(t, err)

	active, err := s.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	msg := "boom"
	_, err = s.UpdateStatus(ctx, second.ID, run.StatusUpdate{Status: run.StatusFailed, ErrorMessage: &msg})
	require.NoError(t, err)
	active, err = s.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, first.ID, active.ID)

	_, err = s.UpdateStatus(ctx, first.ID, run.StatusUpdate{Status: run.StatusSuccess, JobsFound: intPtr(0)})
	require.NoError(t, err)
	_, err = s.ActiveForUser(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestLastSuccessfulForUser verifies ordering by completion time.
func TestLastSuccessfulForUser(t *testing.T) {
	t.Parallel()

	s, clk, _ := newStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "u1", run.Parameters{JobTitle: "older"}, run.SourceManual, nil)
	require.NoError(t, err)
	second, err := s.Create(ctx, "u1", run.Parameters{JobTitle: "newer"}, run.SourceManual, nil)
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, first.ID, run.StatusUpdate{Status: run.StatusSuccess, JobsFound: intPtr(1)})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	_, err = s.UpdateStatus(ctx, second.ID, run.StatusUpdate{Status: run.StatusSuccess, JobsFound: intPtr(2)})
	require.NoError(t, err)

	last, err := s.LastSuccessfulForUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "newer", last.Params.JobTitle)

	_, err = s.LastSuccessfulForUser(ctx, "u2")
	require.ErrorIs(t, err, store.ErrNotFound)
}

// TestCreateBatch verifies pre-built runs are stored as-is and each row is
// announced on the feed.
func TestCreateBatch(t *testing.T) {
	t.Parallel()

	s, clk, pub := newStore(t)
	ctx := context.Background()

	runs := []run.Run{
		run.NewPending("u1", run.Parameters{}, run.SourceCron, nil, clk.Now()),
		run.NewPending("u2", run.Parameters{}, run.SourceCron, nil, clk.Now()),
	}
	require.NoError(t, s.CreateBatch(ctx, runs))
	for _, r := range runs {
		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
	require.Len(t, pub.published, 2)
}

// TestActiveForUserStableOnCreatedAtTies verifies the active-run answer does
// not flap between runs sharing one created_at, as scheduled batch rows do.
func TestActiveForUserStableOnCreatedAtTies(t *testing.T) {
	t.Parallel()

	s, clk, _ := newStore(t)
	ctx := context.Background()

	batch := make([]run.Run, 5)
	for i := range batch {
		batch[i] = run.NewPending("u1", run.Parameters{}, run.SourceCron, nil, clk.Now())
	}
	require.NoError(t, s.CreateBatch(ctx, batch))

	want := batch[0].ID
	for _, r := range batch[1:] {
		if r.ID.String() < want.String() {
			want = r.ID
		}
	}
	for i := 0; i < 20; i++ {
		active, err := s.ActiveForUser(ctx, "u1")
		require.NoError(t, err)
		require.Equal(t, want, active.ID)
	}
}

// TestUserStore covers the eligibility list and stored preferences.
func TestUserStore(t *testing.T) {
	t.Parallel()

	s := NewUserStore()
	ctx := context.Background()

	users, err := s.EligibleUsers(ctx)
	require.NoError(t, err)
	require.Empty(t, users)

	s.SetEligible("u1", "u2")
	users, err = s.EligibleUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"u1", "u2"}, users)

	_, err = s.LastSearchParams(ctx, "u1")
	require.ErrorIs(t, err, store.ErrNotFound)

	s.SetLastSearch("u1", run.Parameters{JobTitle: "designer"})
	params, err := s.LastSearchParams(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "designer", params.JobTitle)
}
