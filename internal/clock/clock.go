package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
// Rotation decisions read time only through this interface.
type Clock interface {
	// Now returns the current time
	Now() time.Time
}

// SystemClock uses the real system clock
type SystemClock struct{}

// NewSystemClock creates a clock that uses the real system time
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

// Now returns the current system time
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// FixtureClock is a controllable clock for testing.
// It is safe for concurrent use so a test can advance it while a manager reads it.
type FixtureClock struct {
	mu          sync.RWMutex
	currentTime time.Time
}

// NewFixtureClock creates a fixture clock starting at the given time
// If zero time is provided, uses time.Now()
func NewFixtureClock(startTime time.Time) *FixtureClock {
	if startTime.IsZero() {
		startTime = time.Now()
	}
	return &FixtureClock{
		currentTime: startTime,
	}
}

// Now returns the current fixture time
func (c *FixtureClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentTime
}

// Set sets the fixture clock to a specific time
func (c *FixtureClock) Set(t time.Time) {
	c.mu.Lock()
	c.currentTime = t
	c.mu.Unlock()
}

// Advance moves the fixture clock forward by the given duration
func (c *FixtureClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.currentTime = c.currentTime.Add(d)
	c.mu.Unlock()
}

// Rewind moves the fixture clock backward by the given duration
func (c *FixtureClock) Rewind(d time.Duration) {
	c.Advance(-d)
}
