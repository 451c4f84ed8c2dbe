// Package backoff computes restart delays for crash-looping children and
// provides a cancellable sleep to wait them out.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// DefaultBase and DefaultMax bound the delay when a caller passes zero values.
const (
	DefaultBase = 100 * time.Millisecond
	DefaultMax  = 10 * time.Second
)

// Delay returns the delay to wait before restart attempt [attempt]
// (zero-indexed). The delay grows exponentially from [base] and is capped
// at [max]. Below the cap the result is jittered downward by up to a
// quarter of the exponential value, which keeps concurrent restart storms
// from synchronizing while still guaranteeing that a sampled delay for
// attempt n+1 is never smaller than one for attempt n.
func Delay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBase
	}
	if max <= 0 {
		max = DefaultMax
	}
	if base > max {
		base = max
	}

	// base << attempt overflows quickly; treat anything past 62 doublings
	// as capped.
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 62 {
		return max
	}
	exp := base << uint(attempt)
	if exp <= 0 || exp >= max {
		return max
	}

	jitter := time.Duration(rand.Int63n(int64(exp)/4 + 1))
	return exp - jitter
}

// Sleep blocks for [d] or until [ctx] is done, whichever comes first.
// Returns the context error when the sleep was interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
