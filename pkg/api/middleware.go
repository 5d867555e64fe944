package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/clock"
	"golang.org/x/time/rate"
)

const (
	visitorIdle  = 3 * time.Minute
	sweepEvery   = time.Minute
	maxRetryWait = time.Hour
)

// rateLimitConfig holds the rate limiter settings.
type rateLimitConfig struct {
	rps   rate.Limit
	burst int
}

// GlobalRateLimiter manages per-IP rate limiters.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	config   rateLimitConfig
	clock    clock.Clock
}

// visitor tracks the rate limiter and last seen time for an IP.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a new rate limiter allowing rps requests per
// second per client address with the given burst. A non-positive rps
// disables limiting.
func NewGlobalRateLimiter(rps float64, burst int, c clock.Clock) *GlobalRateLimiter {
	if c == nil {
		c = clock.Real()
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		config:   rateLimitConfig{rps: limit, burst: max(burst, 1)},
		clock:    c,
	}
}

func (rl *GlobalRateLimiter) getVisitor(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.config.rps, rl.config.burst)
		rl.visitors[ip] = &visitor{limiter, now}
		return limiter
	}

	v.lastSeen = now
	return v.limiter
}

// Sweep drops visitors idle for longer than three minutes.
func (rl *GlobalRateLimiter) Sweep() {
	now := rl.clock.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > visitorIdle {
			delete(rl.visitors, ip)
		}
	}
}

// Run sweeps idle visitors every minute until ctx ends.
func (rl *GlobalRateLimiter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-rl.clock.After(sweepEvery):
			rl.Sweep()
		}
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware returns a Handler that enforces rate limits. Rejected requests
// get 429 with the wait the limiter computed for the next token.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := rl.clock.Now()
		res := rl.getVisitor(clientIP(r), now).ReserveN(now, 1)
		if !res.OK() {
			WriteTooManyRequests(w, retryAfterSeconds(maxRetryWait))
			return
		}
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			WriteTooManyRequests(w, retryAfterSeconds(delay))
			return
		}
		next.ServeHTTP(w, r)
	})
}
