// Package clock abstracts time for components whose behavior depends on it.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// System implements Clock using time.Now.
type System struct{}

// NewSystem creates a new System clock.
func NewSystem() *System {
	return &System{}
}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a Clock whose time only moves when told to. Intended for tests.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a Manual clock starting at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t}
}

// Now returns the manually controlled time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
