// Package hlc provides the hybrid logical clock that orders commits across replicas.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a hybrid logical time: wall clock milliseconds plus a counter that
// disambiguates events sharing the same millisecond.
type Timestamp struct {
	Wall    int64 `json:"wall"`
	Counter int64 `json:"counter"`
}

// Compare orders timestamps by wall time first and counter second.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Wall < other.Wall:
		return -1
	case t.Wall > other.Wall:
		return 1
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	default:
		return 0
	}
}

// After reports whether t is strictly later than other.
func (t Timestamp) After(other Timestamp) bool {
	return t.Compare(other) > 0
}

// IsZero reports whether the timestamp was never set.
func (t Timestamp) IsZero() bool {
	return t.Wall == 0 && t.Counter == 0
}

// Time converts the wall component to a UTC time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.Wall).UTC()
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Wall, t.Counter)
}

// Max returns the later of the two timestamps.
func Max(a, b Timestamp) Timestamp {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}

// Clock issues strictly increasing timestamps for one replica.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last Timestamp
}

// NewClock builds a clock over the supplied wall time source; nil uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Now returns a timestamp greater than every timestamp previously issued or observed.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.now().UnixMilli()
	if wall > c.last.Wall {
		c.last = Timestamp{Wall: wall}
	} else {
		c.last = Timestamp{Wall: c.last.Wall, Counter: c.last.Counter + 1}
	}
	return c.last
}

// Observe advances the clock past remote timestamps so later local events order after them.
func (c *Clock) Observe(remote ...Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ts := range remote {
		if ts.After(c.last) {
			c.last = ts
		}
	}
}

// Last returns the most recent timestamp issued or observed.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
