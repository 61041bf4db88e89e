package backoff

import (
	"context"
	"math"
	"time"
)

// Schedule defines an exponential delay series with an optional cap.
type Schedule struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Next returns the delay for a given attempt (1-based) with clamping.
func (s Schedule) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if s.Initial <= 0 {
		s.Initial = time.Second
	}
	if s.Factor <= 0 {
		s.Factor = 2
	}

	// compared in float space: converting 2^63 to a Duration wraps negative
	delay := float64(s.Initial) * math.Pow(s.Factor, float64(attempt-1))
	if s.Max > 0 && delay >= float64(s.Max) {
		return s.Max
	}
	if delay >= math.MaxInt64 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = s.Initial
	}
	return d
}

// Wait blocks for d or until ctx is done. It reports whether the full delay elapsed.
func Wait(ctx context.Context, d time.Duration) bool {
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
