package clock

import "time"

// Clock is the time source used by the gate and the session stores.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real reads the wall clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After delegates to time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
