package comm

import "time"

// Clock abstracts time for the commander and the polling helpers so tests
// can drive them with a fake clock.
type Clock interface {
	Now() time.Time
	After(time.Duration) <-chan time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time {
	return time.Now()
}

func (c *DefaultClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

var defaultClock = &DefaultClock{}
