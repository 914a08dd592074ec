package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/clock"
	"github.com/searchingfox/searchrun/internal/feed"
	"github.com/searchingfox/searchrun/internal/notify"
	"github.com/searchingfox/searchrun/internal/run"
	"github.com/searchingfox/searchrun/internal/store"
)

// Manager runs one server-side Monitor per user so pending-timeout
// detection and completion notifications do not depend on a connected
// client. Sessions are created when an active run for a new user appears on
// the update feed and reaped once the run reaches a terminal status.
type Manager struct {
	store    store.RunStore
	hub      *feed.Hub
	notifier notify.Notifier
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Monitor
	unsub    func()
}

// NewManager subscribes to the hub and starts tracking immediately.
func NewManager(
	ctx context.Context,
	runStore store.RunStore,
	hub *feed.Hub,
	notifier notify.Notifier,
	clk clock.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	// Elapsed-time display is a client concern; server sessions only need
	// to wake for the poll.
	cfg.TickInterval = cfg.PollInterval
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		store:    runStore,
		hub:      hub,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Monitor),
	}
	m.unsub = hub.SubscribeAll(m.observe)
	return m
}

// observe feeds every run update through the per-user session, creating one
// on first sight of an active run. Terminal updates for tracked runs reach
// their monitor through its own run subscription.
func (mgr *Manager) observe(r run.Run) {
	if !r.Status.Active() {
		return
	}
	userID := r.UserID
	mgr.mu.Lock()
	if mgr.ctx.Err() != nil {
		mgr.mu.Unlock()
		return
	}
	mon, ok := mgr.sessions[userID]
	if !ok {
		mon = New(mgr.store, mgr.hub, mgr.notifier, mgr.clock, mgr.cfg, Callbacks{
			OnSuccess: func(run.Run) { mgr.release(userID) },
			OnFailure: func(run.Run) { mgr.release(userID) },
		}, mgr.logger.With(zap.String("user_id", userID)))
		mgr.sessions[userID] = mon
		mon.Start(mgr.ctx)
	}
	mgr.mu.Unlock()
	mon.Track(r)
}

// release drops the session and stops its monitor off the calling
// goroutine; Stop waits on the poll loop, which may be the caller here.
func (mgr *Manager) release(userID string) {
	mgr.mu.Lock()
	mon, ok := mgr.sessions[userID]
	if ok {
		delete(mgr.sessions, userID)
	}
	mgr.mu.Unlock()
	if ok {
		go mon.Stop()
	}
}

// Sessions reports how many users are currently tracked.
func (mgr *Manager) Sessions() int {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	return len(mgr.sessions)
}

// Close unsubscribes from the feed and stops every session monitor. Safe to
// call more than once.
func (mgr *Manager) Close() {
	mgr.cancel()
	if mgr.unsub != nil {
		mgr.unsub()
	}
	mgr.mu.Lock()
	sessions := mgr.sessions
	mgr.sessions = make(map[string]*Monitor)
	mgr.mu.Unlock()
	for _, mon := range sessions {
		mon.Stop()
	}
}
