package clock

import (
	"slices"
	"sync"
	"time"
)

// Recorder is a Clock whose waits complete immediately. Every requested wait
// is recorded and moves Now forward by the waited duration, so tests can
// assert on the exact sleep schedule of retry and polling loops.
type Recorder struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewRecorder constructs a Recorder starting at the supplied time.
func NewRecorder(start time.Time) *Recorder {
	return &Recorder{now: start.UTC()}
}

// Now returns the recorder's current time.
func (r *Recorder) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.now
}

// After records d, advances the clock and returns an already fired channel.
func (r *Recorder) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	if d > 0 {
		r.now = r.now.Add(d)
	}
	now := r.now
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Sleep records d and advances the clock.
func (r *Recorder) Sleep(d time.Duration) {
	<-r.After(d)
}

// Sleeps returns the recorded waits in call order.
func (r *Recorder) Sleeps() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sleeps)
}

// Elapsed returns the sum of all recorded waits.
func (r *Recorder) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total time.Duration
	for _, d := range r.sleeps {
		total += d
	}
	return total
}
