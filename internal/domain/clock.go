package domain

import "time"

// Clock supplies wall-clock time. Wall time is audit data and the basis of
// "today"; it never orders events.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
