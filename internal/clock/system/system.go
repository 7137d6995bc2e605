// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/bookingwatch/internal/tracker"
)

var _ tracker.Clock = (*Clock)(nil)

// Clock returns UTC time truncated to microseconds, the resolution Postgres stores, so a
// timestamp read back from the conversions table compares equal to the one written.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
