// Package schedule provides the timer abstraction used by the broker and
// the alert engine. Cancellation is a first-class operation: a stopped
// handle's callback never runs afterwards.
package schedule

import (
	"sync"
	"time"
)

// Handle cancels a scheduled callback.
type Handle interface {
	// Stop prevents the callback from running. It reports whether the
	// callback was still pending. Stopping twice is safe.
	Stop() bool
}

// Scheduler schedules one-shot callbacks and supplies the current time.
type Scheduler interface {
	// Schedule runs fn once after the given delay unless stopped first.
	Schedule(after time.Duration, fn func()) Handle

	// Now returns the scheduler's current time.
	Now() time.Time
}

// Wall is the production scheduler backed by the runtime timer wheel.
type Wall struct{}

// NewWall creates a wall-clock scheduler.
func NewWall() *Wall { return &Wall{} }

func (w *Wall) Now() time.Time { return time.Now() }

func (w *Wall) Schedule(after time.Duration, fn func()) Handle {
	return &wallHandle{timer: time.AfterFunc(after, fn)}
}

type wallHandle struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (h *wallHandle) Stop() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timer.Stop()
}

// Manual is a deterministic scheduler for tests. Time only moves when
// Advance is called; due callbacks fire synchronously in deadline order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending []*manualEntry
}

type manualEntry struct {
	sched   *Manual
	id      int
	due     time.Time
	fn      func()
	stopped bool
}

func (e *manualEntry) Stop() bool {
	e.sched.mu.Lock()
	defer e.sched.mu.Unlock()
	if e.stopped {
		return false
	}
	e.stopped = true
	for i, p := range e.sched.pending {
		if p.id == e.id {
			e.sched.pending = append(e.sched.pending[:i], e.sched.pending[i+1:]...)
			return true
		}
	}
	return false
}

// NewManual creates a manual scheduler starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Schedule(after time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e := &manualEntry{sched: m, id: m.nextID, due: m.now.Add(after), fn: fn}
	m.pending = append(m.pending, e)
	return e
}

// Advance moves the clock forward, firing every callback that becomes due.
// Callbacks run without the scheduler lock held, so they may schedule
// further work; newly due work fires within the same Advance.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	for {
		next := m.earliestDueLocked(target)
		if next == nil {
			break
		}
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.removeLocked(next.id)
		m.mu.Unlock()
		next.fn()
		m.mu.Lock()
	}
	m.now = target
	m.mu.Unlock()
}

func (m *Manual) earliestDueLocked(target time.Time) *manualEntry {
	var earliest *manualEntry
	for _, e := range m.pending {
		if e.due.After(target) {
			continue
		}
		if earliest == nil || e.due.Before(earliest.due) {
			earliest = e
		}
	}
	return earliest
}

func (m *Manual) removeLocked(id int) {
	for i, e := range m.pending {
		if e.id == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// Pending returns the number of scheduled, unfired callbacks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
