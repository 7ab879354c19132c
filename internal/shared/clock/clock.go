package clock

import (
	"sync"
	"time"
)

// Clock is the time source for everything that refills, expires or stamps.
type Clock interface {
	Now() time.Time
}

// Real reads the wall clock. time.Now carries a monotonic reading, so
// differences between two Now calls are immune to wall-clock steps.
type Real struct{}

// Now returns the current time
func (Real) Now() time.Time { return time.Now() }

// Fake is a manually driven clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock frozen at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the frozen time
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set jumps the clock to t, which may be in the past
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
