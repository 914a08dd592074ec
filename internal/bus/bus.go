// Package bus is a small typed in-process event channel that decouples the
// batch processor from UI surfaces interested in job-data changes.
package bus

import "sync"

// JobsChanged signals that the user's job data was mutated and caches should
// refresh.
type JobsChanged struct {
	UserID string
}

// OperationComplete signals that a bulk operation finished, with its final
// counts.
type OperationComplete struct {
	UserID    string
	Succeeded int
	Failed    int
}

// Bus fans typed events out to subscribers synchronously. Subscriber
// callbacks must be fast; anything slow belongs behind its own goroutine.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	jobSubs map[int]func(JobsChanged)
	opSubs  map[int]func(OperationComplete)
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		jobSubs: make(map[int]func(JobsChanged)),
		opSubs:  make(map[int]func(OperationComplete)),
	}
}

// SubscribeJobsChanged registers fn and returns an unsubscribe handle.
func (b *Bus) SubscribeJobsChanged(fn func(JobsChanged)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.jobSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.jobSubs, id)
	}
}

// SubscribeOperationComplete registers fn and returns an unsubscribe handle.
func (b *Bus) SubscribeOperationComplete(fn func(OperationComplete)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.opSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.opSubs, id)
	}
}

// PublishJobsChanged delivers evt to all subscribers.
func (b *Bus) PublishJobsChanged(evt JobsChanged) {
	b.mu.RLock()
	fns := make([]func(JobsChanged), 0, len(b.jobSubs))
	for _, fn := range b.jobSubs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// PublishOperationComplete delivers evt to all subscribers.
func (b *Bus) PublishOperationComplete(evt OperationComplete) {
	b.mu.RLock()
	fns := make([]func(OperationComplete), 0, len(b.opSubs))
	for _, fn := range b.opSubs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
}
