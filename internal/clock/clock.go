package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides wall time, monotonic uptime and sleeping.
// This interface allows time to be mocked in tests.
type Clock interface {
	Now() time.Time
	// Uptime is monotonic and never jumps when the wall clock is adjusted.
	Uptime() time.Duration
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock provides actual system time.
type RealClock struct {
	start time.Time
}

// NewRealClock returns a clock whose uptime starts at zero now.
func NewRealClock() *RealClock {
	return &RealClock{start: time.Now()}
}

// Now returns the current system time.
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// Uptime returns the monotonic time since the clock was created.
func (c *RealClock) Uptime() time.Duration {
	return time.Since(c.start)
}

// Sleep blocks for d or until ctx is done.
func (c *RealClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// TestClock provides manually advanced time for testing.
// Sleep advances both wall time and uptime instead of blocking.
type TestClock struct {
	mu      sync.Mutex
	current time.Time
	uptime  time.Duration
}

// NewTestClock returns a test clock set to t.
func NewTestClock(t time.Time) *TestClock {
	return &TestClock{current: t}
}

// Now returns the test time.
func (c *TestClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Uptime returns the test uptime.
func (c *TestClock) Uptime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uptime
}

// Advance moves wall time and uptime forward by d.
func (c *TestClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.uptime += d
}

// Set jumps the wall clock to t without touching uptime.
func (c *TestClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// Sleep advances the clock by d.
func (c *TestClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}
