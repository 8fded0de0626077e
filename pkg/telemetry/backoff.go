package telemetry

import "time"

// BackoffPolicy decides how long to wait before a reconnect attempt.
// Injectable so tests can substitute a zero-delay policy instead of
// waiting on real timers.
type BackoffPolicy interface {
	// Delay returns the wait before the given attempt (1-based)
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same interval before every attempt. Coaching
// sessions reconnect on a fixed cadence rather than backing off
// exponentially: the session must never silently die mid-call.
type FixedBackoff struct {
	Interval time.Duration
}

// Delay returns the fixed interval regardless of attempt count
func (b FixedBackoff) Delay(int) time.Duration {
	return b.Interval
}

// NewFixedBackoff creates a fixed-interval policy, defaulting to 5s
func NewFixedBackoff(interval time.Duration) FixedBackoff {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return FixedBackoff{Interval: interval}
}
