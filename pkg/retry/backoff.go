// Package retry computes exponential backoff with deterministic jitter.
// Jitter is a PRF of the operation key and attempt index, so two workers
// retrying the same contended row spread out the same way on every
// replay, and tests get stable timings.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultTransient matches the executor contract: up to 3 attempts at
// 100ms doubling.
var DefaultTransient = Policy{
	Base:        100 * time.Millisecond,
	Max:         2 * time.Second,
	MaxJitter:   100 * time.Millisecond,
	MaxAttempts: 3,
}

// Backoff returns the delay before the given attempt (0-based).
func Backoff(key string, attempt int, p Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := time.Duration(int64(p.Base) * factor)
	if delay > p.Max {
		delay = p.Max
	}
	return delay + jitter(key, attempt, p.MaxJitter)
}

func jitter(key string, attempt int, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt))
	h := sha256.New()
	h.Write([]byte(key))
	h.Write(buf[:])
	sum := h.Sum(nil)
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(max)) //nolint:gosec // max is always positive
}
