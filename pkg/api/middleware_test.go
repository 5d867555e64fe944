package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateLimitMiddleware(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewGlobalRateLimiter(1, 2, fc)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	get := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/events", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, get("10.0.0.1:5000").Code, "within burst")
	}

	w := get("10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "exceeded burst")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, get("10.0.0.2:5000").Code, "other clients keep their own budget")

	fc.Advance(1100 * time.Millisecond)
	assert.Equal(t, http.StatusOK, get("10.0.0.1:5002").Code, "refilled token")
}

func TestRateLimitMiddleware_RejectionDoesNotConsume(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewGlobalRateLimiter(1, 1, fc)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	serve := func() int {
		req := httptest.NewRequest("GET", "/", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, serve())
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusTooManyRequests, serve())
	}
	fc.Advance(time.Second)
	assert.Equal(t, http.StatusOK, serve())
}

func TestRateLimiter_SweepDropsIdleVisitors(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	limiter := NewGlobalRateLimiter(10, 10, fc)
	limiter.getVisitor("10.0.0.1", fc.Now())

	fc.Advance(visitorIdle + time.Second)
	limiter.Sweep()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Empty(t, limiter.visitors)
}

func TestRateLimiter_NonPositiveRateDisables(t *testing.T) {
	limiter := NewGlobalRateLimiter(0, 0, nil)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	for i := 0; i < 100; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
