package judge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientReturnsVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(response{Verdict: "yes:" + req.Prompt})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	v, err := c.Judge(context.Background(), "is this good?")
	require.NoError(t, err)
	assert.Equal(t, "yes:is this good?", v)
}

func TestHTTPClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(response{Verdict: "ok"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithRetries(2, time.Millisecond))
	v, err := c.Judge(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(response{Error: "prompt too long"})
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithRetries(3, time.Millisecond))
	_, err := c.Judge(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt too long")
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, WithRetries(0, time.Millisecond))
	for i := 0; i < 5; i++ {
		_, err := c.Judge(context.Background(), "p")
		require.ErrorIs(t, err, ErrUnavailable)
	}
	before := calls.Load()

	_, err := c.Judge(context.Background(), "p")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, calls.Load(), "open breaker must not reach the server")
}

func TestHTTPClientHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewHTTPClient(srv.URL, 5*time.Second, WithRetries(0, time.Millisecond))
	start := time.Now()
	_, err := c.Judge(ctx, "p")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStatic(t *testing.T) {
	s := Static{Answers: map[string]string{"a": "1"}, Default: "none"}
	v, _ := s.Judge(context.Background(), "a")
	assert.Equal(t, "1", v)
	v, _ = s.Judge(context.Background(), "b")
	assert.Equal(t, "none", v)

	_, err := Static{Err: ErrUnavailable}.Judge(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Disabled{}.Judge(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
