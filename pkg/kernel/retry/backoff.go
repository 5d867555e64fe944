// Package retry computes backoff schedules for retriable kernel failures.
//
// Jitter is derived from a key rather than a random source, so two agents
// retrying the same operation spread out while one agent replaying a run
// waits exactly as long as it did before.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"time"
)

// Policy bounds an exponential backoff.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy suits interactive callers waiting on renewable quota.
var DefaultPolicy = Policy{
	Base:        100 * time.Millisecond,
	Max:         30 * time.Second,
	MaxJitter:   250 * time.Millisecond,
	MaxAttempts: 5,
}

// Backoff returns the delay before attempt (zero-based) of the operation
// identified by key: Base*2^attempt capped at Max, plus jitter.
func Backoff(key string, attempt int, p Policy) time.Duration {
	shift := min(max(attempt, 0), 30)
	d := p.Base << shift
	if d > p.Max || d < 0 {
		d = p.Max
	}
	return d + Jitter(key, attempt, p)
}

// Jitter is a deterministic delay in [0, MaxJitter).
func Jitter(key string, attempt int, p Policy) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(key + ":" + strconv.Itoa(attempt)))
	n := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(n % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
