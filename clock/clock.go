// Package clock abstracts time for deterministic tests. Event records are
// stamped with epoch milliseconds at digest time.
package clock

import "time"

var (
	Time Clock = &realClock{}
)

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now()
}

// Millis returns the clock's current time as epoch milliseconds.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}
