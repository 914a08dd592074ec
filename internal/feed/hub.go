// Package feed fans out search-run change notifications to subscribers.
// Delivery is best-effort and at-least-once per update; consumers dedupe on
// the previous-status comparison, and polling remains the correctness
// backstop.
package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/searchingfox/searchrun/internal/run"
)

// Publisher accepts updated run snapshots. Hub satisfies it, as does the
// Redis bridge, so stores stay agnostic about the transport.
type Publisher interface {
	Publish(r run.Run)
}

const (
	defaultBufferSize = 1024
	dropLogInterval   = 5 * time.Second
)

// Hub delivers full-row update snapshots to per-run subscribers. It is safe
// for concurrent use and never blocks publishers; if the internal buffer
// fills, events are dropped with a rate-limited warning.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]map[int]func(run.Run)
	allSubs map[int]func(run.Run)
	nextID  int

	events      chan run.Run
	stopCh      chan struct{}
	doneCh      chan struct{}
	closeOnce   sync.Once
	closed      atomic.Bool
	dropped     atomic.Int64
	dropLimiter rateLimiter
	logger      *zap.Logger
}

// NewHub starts the fan-out goroutine and returns a ready Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		subs:        make(map[uuid.UUID]map[int]func(run.Run)),
		allSubs:     make(map[int]func(run.Run)),
		events:      make(chan run.Run, defaultBufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		logger:      logger,
	}
	go h.loop()
	return h
}

// Subscribe registers fn for updates to one run and returns an unsubscribe
// handle. The handle is safe to call more than once.
func (h *Hub) Subscribe(runID uuid.UUID, fn func(run.Run)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]func(run.Run))
	}
	id := h.nextID
	h.nextID++
	h.subs[runID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[runID], id)
			if len(h.subs[runID]) == 0 {
				delete(h.subs, runID)
			}
		})
	}
}

// SubscribeAll registers fn for updates to every run, for consumers that
// discover runs from the stream rather than by id. Returns an unsubscribe
// handle that is safe to call more than once.
func (h *Hub) SubscribeAll(fn func(run.Run)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.allSubs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.allSubs, id)
		})
	}
}

// Publish enqueues an update snapshot. It never blocks; on backpressure the
// event is dropped and counted.
func (h *Hub) Publish(r run.Run) {
	if h == nil || h.closed.Load() {
		return
	}
	select {
	case h.events <- r:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("run updates dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains pending events and stops the fan-out goroutine. Safe to call
// multiple times.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.stopCh)
	})
	<-h.doneCh
}

func (h *Hub) loop() {
	defer close(h.doneCh)
	for {
		select {
		case r := <-h.events:
			h.deliver(r)
		case <-h.stopCh:
			for {
				select {
				case r := <-h.events:
					h.deliver(r)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) deliver(r run.Run) {
	h.mu.RLock()
	fns := make([]func(run.Run), 0, len(h.subs[r.ID])+len(h.allSubs))
	for _, fn := range h.subs[r.ID] {
		fns = append(fns, fn)
	}
	for _, fn := range h.allSubs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
