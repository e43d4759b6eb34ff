// Package clock abstracts the wall-clock so that scheduling logic and
// cache expiry can be tested against a controlled time source.
package clock

import "time"

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// System is the real wall-clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}
