/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import "time"

// Clock is the time source of the queue.
type Clock interface {
	Now() time.Time
}

// SystemClock is Clock backed by time.Now in UTC.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
