// Package clock abstracts wall time behind a single logical clock and
// provides the keyed deadline scheduler that drives transaction
// timeouts and dispute evidence deadlines.
package clock

import (
	"sync"
	"time"
)

// Clock is the single logical time source of the engine. Every
// component reads time through it so tests can drive deadlines
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the wall time.
func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock pinned at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake instant.
func (fc *FakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

// Advance moves the fake clock forward.
func (fc *FakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	fc.now = fc.now.Add(d)
	fc.mu.Unlock()
}

// Set pins the fake clock to an absolute instant.
func (fc *FakeClock) Set(t time.Time) {
	fc.mu.Lock()
	fc.now = t
	fc.mu.Unlock()
}
