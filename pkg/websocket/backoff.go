package websocket

import (
	"math/rand"
	"time"
)

// Backoff defines reconnect backoff behavior.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps every delay, jitter included.
	Max time.Duration
	// MaxAttempts bounds the number of retries; negative means unlimited.
	MaxAttempts int
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}

// DefaultBackoff mirrors the development preset.
func DefaultBackoff() Backoff {
	return Development().Backoff()
}

// NextDelay returns the delay before retry number attempt (0-based):
// min(Base * 2^attempt, Max).
func (b Backoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = DefaultReconnectBase
	}
	max := b.Max
	if max < base {
		max = base
	}

	wait := base
	for i := 0; i < attempt; i++ {
		if wait >= max-wait {
			wait = max
			break
		}
		wait *= 2
	}
	if wait > max {
		wait = max
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	wait = wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
	if wait > max {
		return max
	}
	if wait < 0 {
		return 0
	}
	return wait
}

// ShouldRetry reports whether another retry is allowed after attempt failures.
func (b Backoff) ShouldRetry(attempt int) bool {
	return b.MaxAttempts < 0 || attempt < b.MaxAttempts
}
