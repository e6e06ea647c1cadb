/*
clock.go - Injectable time source

PURPOSE:
  Every engine service reads the current time through Clock, so hold
  expiry, registration windows, voucher expiry and invoice timestamps all
  agree within one call and can be driven from tests.

IMPLEMENTATIONS:
  SystemClock   time.Now in UTC, used by the server
  ManualClock   Settable and safe for concurrent use; tests, scenario
                loaders and replays advance it explicitly

SEE ALSO:
  - reservation.go: Hold TTL and the expiry sweep
  - status.go: Registration open/close windows
*/
package engine

import (
	"sync"
	"time"
)

// Clock allows injecting time into the engine.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// SystemClock returns a clock backed by time.Now.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// ManualClock is a settable clock for tests and scenario replays.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}
