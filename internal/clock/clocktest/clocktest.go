// Package clocktest provides a manually advanced clock for tests.
package clocktest

import (
	"sync"
	"time"
)

// Clock returns a fixed instant until advanced. Safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// At constructs a Clock frozen at t.
func At(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
