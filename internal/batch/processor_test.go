package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/bus"
	"github.com/searchingfox/searchrun/internal/clock/clocktest"
)

type fakeJobsClient struct {
	mu       sync.Mutex
	updated  []string
	removed  []string
	resyncs  int
	failIDs  map[string]bool
}

func (c *fakeJobsClient) UpdateStatus(_ context.Context, _, userJobID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failIDs[userJobID] {
		return errors.New("job store rejected the update")
	}
	c.updated = append(c.updated, userJobID)
	return nil
}

func (c *fakeJobsClient) Remove(_ context.Context, _, userJobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failIDs[userJobID] {
		return errors.New("job store rejected the removal")
	}
	c.removed = append(c.removed, userJobID)
	return nil
}

func (c *fakeJobsClient) Resync(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resyncs++
	return nil
}

type batchNotifier struct {
	mu        sync.Mutex
	successes []string
	failures  []string
	progress  []string
}

func (n *batchNotifier) Success(_, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *batchNotifier) Failure(_, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, msg)
}

func (n *batchNotifier) Progress(_ string, current, total int, label string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, fmt.Sprintf("%d/%d %s", current, total, label))
}

func jobsFor(ids ...string) []JobRef {
	refs := make([]JobRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, JobRef{UserJobID: id, Title: "t-" + id})
	}
	return refs
}

type procFixture struct {
	store    *BadgerStore
	jobs     *fakeJobsClient
	notifier *batchNotifier
	bus      *bus.Bus
	clock    *clocktest.Clock
	proc     *Processor
}

func newProcFixture(t *testing.T) *procFixture {
	t.Helper()
	store, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	f := &procFixture{
		store:    store,
		jobs:     &fakeJobsClient{failIDs: map[string]bool{}},
		notifier: &batchNotifier{},
		bus:      bus.New(),
		clock:    clocktest.At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.proc = NewProcessor(f.store, f.jobs, f.notifier, f.bus, f.clock, -1, zap.NewNop())
	return f
}

// TestBeginProcessesAllJobs covers the happy path: every job mutated in
// order, per-job progress, resync, bus events, success summary.
func TestBeginProcessesAllJobs(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	var completeEvents []bus.OperationComplete
	f.bus.SubscribeOperationComplete(func(evt bus.OperationComplete) {
		completeEvents = append(completeEvents, evt)
	})
	jobsChanged := 0
	f.bus.SubscribeJobsChanged(func(bus.JobsChanged) { jobsChanged++ })

	op := Operation{
		UserID:            "u1",
		Type:              OpStatusChange,
		TargetStatus:      "applied",
		TargetStatusLabel: "Applied",
		Jobs:              jobsFor("a", "b", "c"),
	}
	done, err := f.proc.Begin(context.Background(), op)
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, []string{"a", "b", "c"}, f.jobs.updated)
	require.Equal(t, 1, f.jobs.resyncs)
	require.Equal(t, []string{"1/3 Applied", "2/3 Applied", "3/3 Applied"}, f.notifier.progress)
	require.Equal(t, []string{"3 succeeded, 0 failed"}, f.notifier.successes)
	require.Empty(t, f.notifier.failures)
	require.Equal(t, []bus.OperationComplete{{UserID: "u1", Succeeded: 3, Failed: 0}}, completeEvents)
	require.Equal(t, 1, jobsChanged)

	stored, err := f.store.Load("u1")
	require.NoError(t, err)
	require.True(t, stored.Completed)
	require.Equal(t, 3, stored.SuccessCount)
}

// TestRemoveOperation verifies the remove path calls the delete endpoint.
func TestRemoveOperation(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	op := Operation{UserID: "u1", Type: OpRemove, TargetStatusLabel: "Removed", Jobs: jobsFor("x", "y")}
	done, err := f.proc.Begin(context.Background(), op)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []string{"x", "y"}, f.jobs.removed)
	require.Empty(t, f.jobs.updated)
}

// TestPartialFailureContinues verifies one failing job does not stop the
// batch and the summary reflects both counts as a failure notification.
func TestPartialFailureContinues(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	f.jobs.failIDs["b"] = true

	op := Operation{
		UserID:            "u1",
		Type:              OpStatusChange,
		TargetStatus:      "saved",
		TargetStatusLabel: "Saved",
		Jobs:              jobsFor("a", "b", "c"),
	}
	done, err := f.proc.Begin(context.Background(), op)
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, []string{"a", "c"}, f.jobs.updated)
	require.Equal(t, []string{"2 succeeded, 1 failed"}, f.notifier.failures)
	require.Empty(t, f.notifier.successes)

	stored, err := f.store.Load("u1")
	require.NoError(t, err)
	require.Equal(t, 2, stored.SuccessCount)
	require.Equal(t, 1, stored.FailedCount)
}

// TestResumeProcessesExactRemainder stores a half-done operation and checks
// only the unprocessed jobs run on resume.
func TestResumeProcessesExactRemainder(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	op := Operation{
		UserID:            "u1",
		Type:              OpStatusChange,
		TargetStatus:      "applied",
		TargetStatusLabel: "Applied",
		Jobs:              jobsFor("a", "b", "c", "d"),
		ProcessedJobIDs:   []string{"a", "b"},
		SuccessCount:      1,
		FailedCount:       1,
	}
	require.NoError(t, f.store.Save(op))

	done, err := f.proc.Resume(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, done)

	require.Equal(t, []string{"c", "d"}, f.jobs.updated)
	stored, err := f.store.Load("u1")
	require.NoError(t, err)
	require.True(t, stored.Completed)
	require.Equal(t, 3, stored.SuccessCount)
	require.Equal(t, 1, stored.FailedCount)
}

// TestResumeNoopWithoutOperation verifies the startup/visibility hook is
// silent when nothing is stored or the stored operation already finished.
func TestResumeNoopWithoutOperation(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	done, err := f.proc.Resume(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, done)

	require.NoError(t, f.store.Save(Operation{UserID: "u1", Completed: true, Jobs: jobsFor("a")}))
	done, err = f.proc.Resume(context.Background(), "u1")
	require.NoError(t, err)
	require.False(t, done)
	require.Empty(t, f.jobs.updated)
}

// TestCancellationCheckpointsAndStops verifies interruption mid-batch keeps
// the durable remainder for a later resume.
func TestCancellationCheckpointsAndStops(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	op := Operation{
		UserID:            "u1",
		Type:              OpStatusChange,
		TargetStatus:      "applied",
		TargetStatusLabel: "Applied",
		Jobs:              jobsFor("a", "b", "c"),
	}
	done, err := f.proc.Begin(ctx, op)
	require.NoError(t, err)
	require.True(t, done)

	// Exactly one job ran before the cancellation check stopped the loop.
	require.Equal(t, []string{"a"}, f.jobs.updated)
	stored, err := f.store.Load("u1")
	require.NoError(t, err)
	require.False(t, stored.Completed)
	require.Equal(t, []string{"a"}, stored.ProcessedJobIDs)

	// A later resume finishes the remainder.
	done, err = f.proc.Resume(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []string{"a", "b", "c"}, f.jobs.updated)
}

// TestCorruptStateAborts verifies an unreadable stored operation is cleared
// with a generic failure notification.
func TestCorruptStateAborts(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	require.NoError(t, f.store.Save(Operation{UserID: "u1", Jobs: jobsFor("a")}))
	require.NoError(t, f.store.CorruptForTest("u1"))

	_, err := f.proc.Process(context.Background(), "u1")
	require.Error(t, err)
	require.Equal(t, []string{"Operation failed"}, f.notifier.failures)

	_, err = f.store.Load("u1")
	require.ErrorIs(t, err, ErrNoOperation)
}

// TestAcknowledgeClearsCompletedOnly verifies acknowledgement semantics.
func TestAcknowledgeClearsCompletedOnly(t *testing.T) {
	t.Parallel()

	f := newProcFixture(t)
	require.NoError(t, f.proc.Acknowledge("u1"))

	require.NoError(t, f.store.Save(Operation{UserID: "u1", Jobs: jobsFor("a")}))
	require.NoError(t, f.proc.Acknowledge("u1"))
	_, err := f.store.Load("u1")
	require.NoError(t, err)

	require.NoError(t, f.store.Save(Operation{UserID: "u1", Completed: true}))
	require.NoError(t, f.proc.Acknowledge("u1"))
	_, err = f.store.Load("u1")
	require.ErrorIs(t, err, ErrNoOperation)
}

// TestGuardSerializesAndGoesStale covers the re-entrancy guard and its
// staleness override.
func TestGuardSerializesAndGoesStale(t *testing.T) {
	t.Parallel()

	clk := clocktest.At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	g := NewGuard(clk)

	_, ok := g.TryBegin("alice")
	require.True(t, ok)
	require.True(t, g.IsRunning("alice"))
	_, ok = g.TryBegin("alice")
	require.False(t, ok)

	// Just inside the window the holder is still trusted.
	clk.Advance(StaleGuardAfter - time.Second)
	_, ok = g.TryBegin("alice")
	require.False(t, ok)

	// Past the window a crashed holder is overridden.
	clk.Advance(2 * time.Second)
	require.False(t, g.IsRunning("alice"))
	tok2, ok := g.TryBegin("alice")
	require.True(t, ok)

	g.End("alice", tok2)
	require.False(t, g.IsRunning("alice"))
	_, ok = g.TryBegin("alice")
	require.True(t, ok)
	g.Reset("alice")
	_, ok = g.TryBegin("alice")
	require.True(t, ok)
}

// TestGuardIsolatesUsers verifies one user's held guard never blocks
// another user's loop.
func TestGuardIsolatesUsers(t *testing.T) {
	t.Parallel()

	clk := clocktest.At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	g := NewGuard(clk)

	aliceTok, ok := g.TryBegin("alice")
	require.True(t, ok)

	bobTok, ok := g.TryBegin("bob")
	require.True(t, ok)
	require.True(t, g.IsRunning("alice"))
	require.True(t, g.IsRunning("bob"))

	g.End("bob", bobTok)
	require.False(t, g.IsRunning("bob"))
	require.True(t, g.IsRunning("alice"))
	g.End("alice", aliceTok)
}

// TestGuardStaleHolderCannotReleaseSuccessor verifies that a loop displaced
// by the staleness override does not free the new holder's guard when its
// deferred release finally runs.
func TestGuardStaleHolderCannotReleaseSuccessor(t *testing.T) {
	t.Parallel()

	clk := clocktest.At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	g := NewGuard(clk)

	staleTok, ok := g.TryBegin("alice")
	require.True(t, ok)

	clk.Advance(StaleGuardAfter + time.Second)
	freshTok, ok := g.TryBegin("alice")
	require.True(t, ok)

	// The displaced holder's release is a no-op against the new owner.
	g.End("alice", staleTok)
	require.True(t, g.IsRunning("alice"))
	_, ok = g.TryBegin("alice")
	require.False(t, ok)

	g.End("alice", freshTok)
	require.False(t, g.IsRunning("alice"))
}

// blockingJobsClient parks the first status update until released so a test
// can hold one user's loop mid-job.
type blockingJobsClient struct {
	fakeJobsClient
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *blockingJobsClient) UpdateStatus(ctx context.Context, userID, userJobID, status string) error {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.fakeJobsClient.UpdateStatus(ctx, userID, userJobID, status)
}

// TestProcessIsolatedAcrossUsers verifies that one user's in-flight batch
// does not leave another user's accepted operation stored but unprocessed.
func TestProcessIsolatedAcrossUsers(t *testing.T) {
	t.Parallel()

	store, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	client := &blockingJobsClient{
		fakeJobsClient: fakeJobsClient{failIDs: map[string]bool{}},
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	clk := clocktest.At(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	proc := NewProcessor(store, client, &batchNotifier{}, bus.New(), clk, -1, zap.NewNop())

	var (
		aliceDone = make(chan struct{})
		aliceOK   bool
		aliceErr  error
	)
	go func() {
		defer close(aliceDone)
		aliceOK, aliceErr = proc.Begin(context.Background(), Operation{
			UserID:            "alice",
			Type:              OpStatusChange,
			TargetStatus:      "applied",
			TargetStatusLabel: "Applied",
			Jobs:              []JobRef{{UserJobID: "a1"}},
		})
	}()
	<-client.entered

	// Bob's operation runs to completion while alice's loop is still held.
	bobOK, err := proc.Begin(context.Background(), Operation{
		UserID:            "bob",
		Type:              OpRemove,
		TargetStatusLabel: "Removed",
		Jobs:              []JobRef{{UserJobID: "b1"}},
	})
	require.NoError(t, err)
	require.True(t, bobOK)
	bobStored, err := store.Load("bob")
	require.NoError(t, err)
	require.True(t, bobStored.Completed)

	close(client.release)
	<-aliceDone
	require.NoError(t, aliceErr)
	require.True(t, aliceOK)
	aliceStored, err := store.Load("alice")
	require.NoError(t, err)
	require.True(t, aliceStored.Completed)
}

// TestRemainingPreservesOrder verifies the remainder computation keeps queue
// order and tolerates duplicates in the processed list.
func TestRemainingPreservesOrder(t *testing.T) {
	t.Parallel()

	op := Operation{
		Jobs:            jobsFor("a", "b", "c", "d"),
		ProcessedJobIDs: []string{"b", "d", "b"},
	}
	rest := op.Remaining()
	require.Len(t, rest, 2)
	require.Equal(t, "a", rest[0].UserJobID)
	require.Equal(t, "c", rest[1].UserJobID)

	op.MarkProcessed("a", true)
	op.MarkProcessed("c", false)
	require.Empty(t, op.Remaining())
	require.Equal(t, 1, op.SuccessCount)
	require.Equal(t, 1, op.FailedCount)
}
