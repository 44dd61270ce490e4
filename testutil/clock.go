package testutil

import "time"

var (
	defaultStartTime = time.Date(2023, 4, 12, 9, 0, 0, 0, time.UTC)
)

// Clock implements clock.Clock with a deterministic sequence: each Now()
// advances the previous time by the configured unit.
type Clock struct {
	Start time.Time
	unit  time.Duration
	last  time.Time
}

// Now implements clock.Clock.
func (c *Clock) Now() time.Time {
	if c.last.IsZero() {
		c.last = c.Start
	} else {
		c.last = c.last.Add(c.unit)
	}
	return c.last
}

// Add jumps the clock forward, for lease-expiry style tests.
func (c *Clock) Add(d time.Duration) time.Time {
	if c.last.IsZero() {
		c.last = c.Start
	}
	c.last = c.last.Add(d)
	return c.last
}

// Last returns the last time that was handed out.
func (c *Clock) Last() time.Time {
	if c.last.IsZero() {
		c.last = c.Start
	}
	return c.last
}

func NewClock(unit time.Duration) *Clock {
	return &Clock{
		Start: defaultStartTime,
		unit:  unit,
	}
}
