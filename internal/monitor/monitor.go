// Package monitor tracks the active search run for one user session. It
// combines push updates with a polling fallback, funnels both through a
// single previous-status comparison, and self-declares failure when a run
// never leaves pending.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/clock"
	"github.com/searchingfox/searchrun/internal/feed"
	"github.com/searchingfox/searchrun/internal/metrics"
	"github.com/searchingfox/searchrun/internal/notify"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

// TimeoutMessage is the diagnostic written when the worker never advances a
// run past pending. It is deliberately distinct from worker-reported errors
// so operators can tell the two failure modes apart.
const TimeoutMessage = "Search timed out - API service failed to wake up"

// Config controls monitor cadence.
type Config struct {
	// PollInterval is the reliability-fallback poll cadence (default 3s).
	PollInterval time.Duration
	// TickInterval is the elapsed-time resolution (default 1s).
	TickInterval time.Duration
	// PendingTimeout is how long a run may sit in pending before the
	// monitor fails it locally (default 2m).
	PendingTimeout time.Duration
}

const (
	defaultPollInterval   = 3 * time.Second
	defaultTickInterval   = time.Second
	defaultPendingTimeout = 2 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = defaultPendingTimeout
	}
	return c
}

// Callbacks are invoked at most once per run on the first observed terminal
// transition. Any of them may be nil.
type Callbacks struct {
	OnSuccess func(run.Run)
	OnFailure func(run.Run)
	// OnReload asks the owner to reload job data so the UI reflects the
	// outcome.
	OnReload func()
}

// State is an observable snapshot of the monitor.
type State struct {
	ActiveRun      *run.Run
	IsLoading      bool
	ElapsedSeconds int
	Err            string
}

// Monitor is the per-session status state machine. All update deliveries
// (push or poll, including duplicates) converge on HandleUpdate.
type Monitor struct {
	store    store.RunStore
	hub      *feed.Hub
	notifier notify.Notifier
	clock    clock.Clock
	cfg      Config
	cb       Callbacks
	logger   *zap.Logger

	mu         sync.Mutex
	userID     string
	active     *run.Run
	lastStatus run.Status
	elapsed    int
	lastErr    string
	unsub      func()

	stopOnce sync.Once
	stopCh   chan struct{}
	loopWG   sync.WaitGroup
}

// New constructs a Monitor. Background timers only start with Start; the
// decision methods work without them so tests can drive time directly.
func New(
	runStore store.RunStore,
	hub *feed.Hub,
	notifier notify.Notifier,
	clk clock.Clock,
	cfg Config,
	cb Callbacks,
	logger *zap.Logger,
) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		store:    runStore,
		hub:      hub,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		cb:       cb,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Activate discovers any active run for the user and adopts it. A missing
// active run is a normal idle outcome, not an error. Also invoked when the
// tab becomes visible again.
func (m *Monitor) Activate(ctx context.Context, userID string) error {
	m.mu.Lock()
	m.userID = userID
	m.mu.Unlock()

	r, err := m.store.ActiveForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("discover active run: %w", err)
	}
	m.adopt(r)
	return nil
}

// MonitorRun adopts a specific run the caller already knows about, e.g.
// right after creating it, without re-querying the active-run index.
func (m *Monitor) MonitorRun(ctx context.Context, runID uuid.UUID) error {
	r, err := m.store.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("monitor run: %w", err)
	}
	m.adopt(r)
	return nil
}

// Track adopts r unless it is already the tracked run. Callers that learn
// about runs from the update feed use this instead of MonitorRun to skip
// the store round trip.
func (m *Monitor) Track(r run.Run) {
	m.mu.Lock()
	m.userID = r.UserID
	if m.active != nil && m.active.ID == r.ID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.adopt(r)
}

// OnVisible is the visibility-change hook: re-discover when idle, otherwise
// catch up immediately via poll and timeout check.
func (m *Monitor) OnVisible(ctx context.Context) {
	m.mu.Lock()
	userID := m.userID
	tracking := m.active != nil
	m.mu.Unlock()

	if !tracking {
		if userID != "" {
			if err := m.Activate(ctx, userID); err != nil {
				m.logger.Warn("reactivation failed", zap.Error(err))
			}
		}
		return
	}
	m.Poll(ctx)
	m.CheckPendingTimeout(ctx)
}

func (m *Monitor) adopt(r run.Run) {
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	snapshot := r
	m.active = &snapshot
	m.lastStatus = r.Status
	m.lastErr = ""
	m.elapsed = m.elapsedFor(r)
	if m.hub != nil {
		m.unsub = m.hub.Subscribe(r.ID, m.HandleUpdate)
	}
	m.mu.Unlock()
	m.logger.Debug("run adopted",
		zap.String("run_id", r.ID.String()),
		zap.String("status", string(r.Status)),
	)
}

// HandleUpdate is the single choke point for every delivered update,
// whether it arrived via push or poll. Only genuine status transitions have
// side effects; repeated delivery of the same status is a no-op.
func (m *Monitor) HandleUpdate(r run.Run) {
	m.mu.Lock()
	if m.active == nil || m.active.ID != r.ID {
		m.mu.Unlock()
		return
	}
	snapshot := r
	m.active = &snapshot
	if m.lastStatus == r.Status {
		m.mu.Unlock()
		return
	}
	m.lastStatus = r.Status
	if r.Status == run.StatusFailed && r.ErrorMessage != nil {
		m.lastErr = *r.ErrorMessage
	}
	m.mu.Unlock()

	switch r.Status {
	case run.StatusRunning:
		// Progress UI is already showing; nothing to surface.
	case run.StatusSuccess:
		m.finishSuccess(r)
	case run.StatusFailed:
		m.finishFailure(r)
	}
}

func (m *Monitor) finishSuccess(r run.Run) {
	metrics.ObserveRunCompleted(string(run.StatusSuccess))
	found := 0
	if r.JobsFound != nil {
		found = *r.JobsFound
	}
	if m.notifier != nil {
		m.notifier.Success(r.UserID, fmt.Sprintf("Found %d jobs", found))
	}
	if m.cb.OnSuccess != nil {
		m.cb.OnSuccess(r)
	}
	if m.cb.OnReload != nil {
		m.cb.OnReload()
	}
	// The run stays adopted through the callbacks above so the owner can
	// read it one last time, then tracking stops.
	m.ClearActiveRun()
}

func (m *Monitor) finishFailure(r run.Run) {
	metrics.ObserveRunCompleted(string(run.StatusFailed))
	msg := "Search failed"
	if r.ErrorMessage != nil {
		msg = *r.ErrorMessage
	}
	if m.notifier != nil {
		m.notifier.Failure(r.UserID, msg)
	}
	if m.cb.OnFailure != nil {
		m.cb.OnFailure(r)
	}
	if m.cb.OnReload != nil {
		m.cb.OnReload()
	}
	m.ClearActiveRun()
}

// Poll re-reads the tracked run from the store. The run disappearing between
// polls is a normal return to idle.
func (m *Monitor) Poll(ctx context.Context) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	id := m.active.ID
	m.mu.Unlock()

	r, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.ClearActiveRun()
			return
		}
		m.logger.Warn("poll failed", zap.String("run_id", id.String()), zap.Error(err))
		return
	}
	m.HandleUpdate(r)
}

// CheckPendingTimeout fails the run locally once created_at + PendingTimeout
// has passed without progress past pending. The monitor is an active
// participant here: if the dispatch was dropped, nobody else would ever mark
// the run failed. Calling it again after the transition is a no-op.
func (m *Monitor) CheckPendingTimeout(ctx context.Context) {
	m.mu.Lock()
	if m.active == nil || m.lastStatus != run.StatusPending {
		m.mu.Unlock()
		return
	}
	deadline := m.active.CreatedAt.Add(m.cfg.PendingTimeout)
	if m.clock.Now().Before(deadline) {
		m.mu.Unlock()
		return
	}
	id := m.active.ID
	m.mu.Unlock()

	msg := TimeoutMessage
	updated, err := m.store.UpdateStatus(ctx, id, run.StatusUpdate{
		Status:       run.StatusFailed,
		ErrorMessage: &msg,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.ClearActiveRun()
			return
		}
		m.logger.Warn("timeout transition failed", zap.String("run_id", id.String()), zap.Error(err))
		return
	}
	metrics.ObserveRunTimeout()
	m.logger.Warn("pending run timed out", zap.String("run_id", id.String()))
	// The store's change feed may deliver this too; HandleUpdate dedupes.
	m.HandleUpdate(updated)
}

// Tick recomputes elapsed seconds from created_at rather than accumulating,
// so it self-corrects after sleep or suspend.
func (m *Monitor) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		m.elapsed = 0
		return
	}
	m.elapsed = m.elapsedFor(*m.active)
}

func (m *Monitor) elapsedFor(r run.Run) int {
	d := m.clock.Now().Sub(r.CreatedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// ClearActiveRun unsubscribes and resets to idle. Safe to call repeatedly.
func (m *Monitor) ClearActiveRun() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.active = nil
	m.lastStatus = ""
	m.elapsed = 0
}

// State returns an observable snapshot.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		IsLoading:      m.active != nil,
		ElapsedSeconds: m.elapsed,
		Err:            m.lastErr,
	}
	if m.active != nil {
		snapshot := *m.active
		st.ActiveRun = &snapshot
	}
	return st
}

// Start launches the background ticker/poller loop. The loop runs until
// Stop or context cancellation; polling doubles as the timeout check.
func (m *Monitor) Start(ctx context.Context) {
	m.loopWG.Add(1)
	go func() {
		defer m.loopWG.Done()
		tick := time.NewTicker(m.cfg.TickInterval)
		poll := time.NewTicker(m.cfg.PollInterval)
		defer tick.Stop()
		defer poll.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-tick.C:
				m.Tick()
			case <-poll.C:
				m.Poll(ctx)
				m.CheckPendingTimeout(ctx)
			}
		}
	}()
}

// Stop terminates the background loop and clears tracking state.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loopWG.Wait()
	m.ClearActiveRun()
}
