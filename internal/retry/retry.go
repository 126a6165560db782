// Package retry runs an operation until it succeeds, a policy bound is
// reached, or the context ends.
//
// The zero-bound policy retries forever at a fixed delay, which is what
// an always-on device with no fallback connectivity wants. Callers that
// can tolerate giving up (tests, health checks) set MaxAttempts or pass
// a context with a deadline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped) when MaxAttempts is reached.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy controls the delay between attempts and how many are made.
type Policy struct {
	// MaxAttempts bounds the number of calls. Zero means unbounded.
	MaxAttempts int

	// Delay is the wait after the first failure.
	Delay time.Duration

	// MaxDelay caps delay growth. Ignored when Multiplier <= 1.
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure. Values <= 1 keep
	// the delay fixed.
	Multiplier float64
}

// Fixed returns an unbounded policy with a constant delay.
func Fixed(d time.Duration) Policy {
	return Policy{Delay: d}
}

// Bounded reports whether the policy gives up after MaxAttempts.
func (p Policy) Bounded() bool {
	return p.MaxAttempts > 0
}

// Next returns the delay that follows prev. Pass zero to get the first
// delay.
func (p Policy) Next(prev time.Duration) time.Duration {
	if prev <= 0 || p.Multiplier <= 1 {
		return p.Delay
	}
	next := time.Duration(float64(prev) * p.Multiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}
	return next
}

// FailFunc observes a failed attempt. next is the delay before the
// following attempt, or zero when no further attempt will be made.
type FailFunc func(attempt int, err error, next time.Duration)

// Do calls fn until it returns nil. It returns the number of attempts
// made and nil on success. When the policy is exhausted the returned
// error wraps both [ErrExhausted] and the last attempt error. When ctx
// ends first the returned error wraps ctx.Err() and the last attempt
// error.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onFail FailFunc) (int, error) {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		if p.Bounded() && attempt >= p.MaxAttempts {
			if onFail != nil {
				onFail(attempt, err, 0)
			}
			return attempt, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
		}

		delay = p.Next(delay)
		if onFail != nil {
			onFail(attempt, err, delay)
		}

		if !Sleep(ctx, delay) {
			return attempt, errors.Join(ctx.Err(), err)
		}
	}
}

// Sleep sleeps for d or until ctx is cancelled. Returns false if cancelled.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
