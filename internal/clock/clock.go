package clock

import "time"

// Clock supplies the current time as Unix seconds.
// Every window and bucket calculation in Turnstile goes through this interface
// instead of calling time.Now directly, so tests can drive time explicitly.
type Clock interface {
	// Now returns the current Unix time in whole seconds.
	Now() int64
}

// RealClock delegates to the standard time package.
type RealClock struct{}

func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() int64 {
	return time.Now().Unix()
}

// Func adapts an ordinary function to the Clock interface.
type Func func() int64

func (f Func) Now() int64 {
	return f()
}
