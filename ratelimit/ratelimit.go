package ratelimit

import (
	"sync"
	"time"
)

// DefaultFloorInterval is the minimum spacing between two f-value service
// requests. The service bans callers that hammer it, so the floor fails fast
// instead of queueing.
const DefaultFloorInterval = 10 * time.Second

// Floor enforces a minimum interval between consecutive requests. It never
// sleeps: callers that arrive too early are rejected and must back off
// themselves.
type Floor struct {
	mux      sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewFloor(interval time.Duration) *Floor {
	if interval <= 0 {
		interval = DefaultFloorInterval
	}
	return &Floor{
		mux:      sync.Mutex{},
		interval: interval,
		last:     time.Time{},
		now:      time.Now,
	}
}

func (f *Floor) Interval() time.Duration {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.interval
}

// Restore seeds the floor from a persisted last-request timestamp so the
// spacing survives process restarts.
func (f *Floor) Restore(last time.Time) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if last.After(f.last) {
		f.last = last
	}
}

// Check reports whether a request may be made now. When it may not, the
// returned duration is the remaining wait.
func (f *Floor) Check() (time.Duration, bool) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.last.IsZero() {
		return 0, true
	}
	if elapsed := f.now().Sub(f.last); elapsed < f.interval {
		return f.interval - elapsed, false
	}
	return 0, true
}

// Touch records a request attempt and returns its timestamp. It must be
// called after every attempt that reached the network, success or failure.
func (f *Floor) Touch() time.Time {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.last = f.now()
	return f.last
}
