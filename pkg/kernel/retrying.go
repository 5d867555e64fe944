package kernel

import (
	"context"

	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/kernel/retry"
)

// Retry runs op until it succeeds, fails with a non-retriable code, or p's
// attempts run out. Between attempts it waits for the longer of the
// result's RetryAfter and the policy backoff for key.
func Retry(ctx context.Context, c clock.Clock, p retry.Policy, key string, op func(context.Context) ActionResult) ActionResult {
	if c == nil {
		c = clock.Real()
	}
	attempts := max(p.MaxAttempts, 1)
	var r ActionResult
	for i := 0; i < attempts; i++ {
		r = op(ctx)
		if r.Success || !r.Retriable || i == attempts-1 {
			return r
		}
		wait := max(r.RetryAfter, retry.Backoff(key, i+1, p))
		select {
		case <-ctx.Done():
			return r
		case <-c.After(wait):
		}
	}
	return r
}
