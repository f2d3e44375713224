package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by components that need to observe or wait
// on time. Passing a Clock instead of calling time.Now directly makes
// time-dependent behavior testable.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// Sleep blocks for the given duration
	Sleep(d time.Duration)
}

// SystemClock is a Clock backed by the real system time
type SystemClock struct{}

// NewSystemClock creates a new system clock
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current system time
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep blocks for the given duration
func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// FakeClock is a Clock whose time only moves when advanced explicitly.
// Sleep advances the clock instead of blocking.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at the given time
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake clock's current time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d without blocking
func (c *FakeClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SetTime sets the clock to a specific time
func (c *FakeClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
