// Package system provides the wall clock.
package system

import "time"

// Clock implements crawler.Clock. Times are UTC and truncated to
// microseconds, the precision Postgres timestamptz keeps, so values read back
// from the database compare equal to the ones written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
