// Package timesync reports whether the wall clock can be trusted for
// payload timestamps.
package timesync

import (
	"context"
	"time"
)

// epochFloor is the earliest Unix time accepted as a real clock reading.
// Boards without a battery-backed RTC boot near the epoch.
const epochFloor = 100000

// Clock returns the current time and whether it is synchronized. An
// unsynchronized clock is not an error; payloads simply omit the
// timestamp.
type Clock interface {
	Now() (time.Time, bool)
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() (time.Time, bool)

// Now calls f.
func (f ClockFunc) Now() (time.Time, bool) { return f() }

// Disabled never reports a synchronized time.
type Disabled struct{}

// Now always returns false.
func (Disabled) Now() (time.Time, bool) { return time.Time{}, false }

// System reads the host wall clock and asks the kernel whether NTP
// discipline is in effect.
type System struct {
	now    func() time.Time
	kernel func() (bool, error)
}

// NewSystem returns a Clock backed by the host clock.
func NewSystem() *System {
	return &System{now: time.Now, kernel: kernelSynced}
}

// Now returns the wall time. It reports unsynchronized while the time is
// implausibly close to the epoch or the kernel flags a clock error. If
// the kernel cannot be queried the epoch check alone decides.
func (s *System) Now() (time.Time, bool) {
	t := s.now()
	if t.Unix() < epochFloor {
		return t, false
	}
	synced, err := s.kernel()
	if err != nil {
		return t, true
	}
	return t, synced
}

// WaitSynced polls clock every poll interval until it reports
// synchronized, ctx ends, or limit elapses. It returns whether the clock
// synchronized.
func WaitSynced(ctx context.Context, clock Clock, poll, limit time.Duration) bool {
	if _, ok := clock.Now(); ok {
		return true
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, ok := clock.Now()
			return ok
		case <-ticker.C:
			if _, ok := clock.Now(); ok {
				return true
			}
		}
	}
}
