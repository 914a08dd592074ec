package batch

import (
	"sync"
	"time"

	"github.com/searchingfox/searchrun/internal/clock"
)

// StaleGuardAfter is how long a held guard is trusted before a new caller
// may force-reset it. The override recovers from a loop that crashed without
// releasing; within the window two callers in different processes can still
// race, a known gap inherited from the original design.
const StaleGuardAfter = 30 * time.Second

// Guard serializes processing loops per user. One user's long batch never
// blocks another user's loop. It replaces a module-level boolean with an
// explicit object so the staleness override is a visible health check
// rather than a side effect.
type Guard struct {
	clock clock.Clock

	mu   sync.Mutex
	next uint64
	held map[string]guardHolder
}

type guardHolder struct {
	token uint64
	since time.Time
}

// NewGuard constructs a Guard.
func NewGuard(clk clock.Clock) *Guard {
	return &Guard{clock: clk, held: make(map[string]guardHolder)}
}

// TryBegin acquires the guard for one user, reporting false when another
// loop for the same user holds it and is not stale. The returned token
// identifies the holder and must be passed back to End.
func (g *Guard) TryBegin(userID string) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	if h, ok := g.held[userID]; ok && now.Sub(h.since) < StaleGuardAfter {
		return 0, false
	}
	g.next++
	g.held[userID] = guardHolder{token: g.next, since: now}
	return g.next, true
}

// End releases the user's guard only while token still owns it. A loop
// displaced by the staleness override therefore cannot release its
// successor's hold on the way out.
func (g *Guard) End(userID string, token uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.held[userID]; ok && h.token == token {
		delete(g.held, userID)
	}
}

// IsRunning reports whether a non-stale loop currently holds the user's
// guard.
func (g *Guard) IsRunning(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.held[userID]
	return ok && g.clock.Now().Sub(h.since) < StaleGuardAfter
}

// Reset forcibly clears the user's guard regardless of staleness.
func (g *Guard) Reset(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, userID)
}
