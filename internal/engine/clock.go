package engine

import (
	"sync/atomic"
	"time"
)

// sequence hands out enqueue order. Values start at 1 with each Runtime:
// they order operations within one process and are never persisted.
type sequence struct {
	last atomic.Int64
}

func (s *sequence) next() int64 {
	return s.last.Add(1)
}

// WallClock supplies "now" for transitions and timer due checks.
// Implemented by SystemClock and testutil.FakeClock.
type WallClock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns time.Now() in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
