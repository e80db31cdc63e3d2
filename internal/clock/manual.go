package clock

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Waits stay
// pending until their deadline is passed, which lets tests hold a retry or
// poll loop mid-wait and observe it there.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	waits   []pendingWait
	changed chan struct{}
}

type pendingWait struct {
	deadline time.Time
	fire     chan time.Time
}

// NewManual constructs a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC(), changed: make(chan struct{})}
}

// Now returns the manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After registers a wait of d. Non-positive waits fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	fire := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		fire <- m.now
		return fire
	}
	m.waits = append(m.waits, pendingWait{deadline: m.now.Add(d), fire: fire})
	m.broadcastLocked()
	return fire
}

// Sleep blocks until the clock has been advanced past d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and releases due waits in deadline
// order. Negative durations are treated as zero.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
	}
	slices.SortStableFunc(m.waits, func(a, b pendingWait) int {
		return a.deadline.Compare(b.deadline)
	})
	kept := m.waits[:0]
	for _, w := range m.waits {
		if w.deadline.After(m.now) {
			kept = append(kept, w)
			continue
		}
		w.fire <- m.now
	}
	m.waits = kept
	m.broadcastLocked()
	return m.now
}

// Pending returns the number of unreleased waits.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waits)
}

// WaitForPending blocks until at least n waits are registered or ctx ends.
func (m *Manual) WaitForPending(ctx context.Context, n int) error {
	for {
		m.mu.Lock()
		if len(m.waits) >= n {
			m.mu.Unlock()
			return nil
		}
		changed := m.changed
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (m *Manual) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}
