package billing

import (
	"sync"
	"time"
)

// =============================================================================
// CLOCK - Injected time source
// =============================================================================

// Clock returns the current time. The engine never calls time.Now directly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// ManualClock is a settable clock for tests and demo scenarios.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(now time.Time) *ManualClock {
	return &ManualClock{now: now.UTC()}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// AddDays moves the clock forward by n calendar days.
func (c *ManualClock) AddDays(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.AddDate(0, 0, n)
}

// =============================================================================
// DUE SCHEDULE
// =============================================================================

// DueSchedule derives the due and disconnection dates of a bill from the
// moment its second reading is captured.
type DueSchedule struct {
	DueAfterDays        int
	DisconnectAfterDays int
}

func DefaultDueSchedule() DueSchedule {
	return DueSchedule{DueAfterDays: 14, DisconnectAfterDays: 5}
}

// Dates returns (dueDate, disconnectionDate) for a reading taken at `at`.
// The disconnection date is counted from the due date.
func (s DueSchedule) Dates(at time.Time) (time.Time, time.Time) {
	due := at.AddDate(0, 0, s.DueAfterDays)
	return due, due.AddDate(0, 0, s.DisconnectAfterDays)
}
