// Package timing supplies the kernel's time source. Process records stamp
// their start and exit times from it, and tests drive it with a mock.
package timing

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the time source handed to kernel components
type Clock = clock.Clock

// Mock is a Clock whose time only moves when told to
type Mock = clock.Mock

// New returns a Clock backed by the system clock
func New() Clock {
	return clock.New()
}

// NewMock returns a mock Clock set to the Unix epoch
func NewMock() *Mock {
	return clock.NewMock()
}

// Elapsed returns how long ago start was according to c, or zero when
// start is unset.
func Elapsed(c Clock, start time.Time) time.Duration {
	if start.IsZero() {
		return 0
	}
	return c.Since(start)
}
