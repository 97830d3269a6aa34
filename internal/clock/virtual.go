package clock

import (
	"sync"
	"time"
)

// VirtualClock is a controllable clock for deterministic tests and replays.
// Time only moves when Advance or Set is called.
//
// Thread-safe for concurrent use.
type VirtualClock struct {
	mu      sync.RWMutex
	current int64
}

// NewVirtualClock creates a VirtualClock starting at the given Unix second.
func NewVirtualClock(start int64) *VirtualClock {
	return &VirtualClock{
		current: start,
	}
}

// Now returns the current virtual Unix time.
func (c *VirtualClock) Now() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Advance moves the virtual clock forward by d, truncated to whole seconds.
// Panics if d is negative.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current += int64(d / time.Second)
}

// Set moves the virtual clock to an exact Unix second.
// Panics if t is before the current time.
func (c *VirtualClock) Set(t int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t < c.current {
		panic("clock: cannot set time to the past")
	}
	c.current = t
}
