package workflow

import "time"

// Clock supplies wall-clock time to the engine. History records are stamped
// with it; programs only ever see the recorded stamps.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real UTC time.
type SystemClock struct{}

// Now returns time.Now in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
