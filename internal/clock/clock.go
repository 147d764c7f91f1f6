// Package clock supplies the wall-clock reads used for auction timing.
package clock

import (
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
}

// Real is a Clock backed by the system clock.
type Real struct{}

// Now returns the current time in UTC.
func (Real) Now() time.Time { return time.Now().UTC() }

// Mock is a Clock whose time only moves when told to. Safe for concurrent use.
type Mock struct {
	mu sync.Mutex
	T  time.Time
}

// Now returns the mocked time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.T
}

// Set moves the mocked time to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.T = t
	m.mu.Unlock()
}

// Advance moves the mocked time forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.T = m.T.Add(d)
	m.mu.Unlock()
}
