package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/clock"
)

// HeaderIdempotencyKey names the client-chosen key of a retried request.
const HeaderIdempotencyKey = "Idempotency-Key"

// cachedResponse stores a previously-seen response for idempotent replay.
type cachedResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	CachedAt   time.Time
}

// IdempotencyStore holds responses keyed by caller and idempotency key. Keys
// are scoped per caller so one principal can never replay another's result.
type IdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string]*cachedResponse
	inflight map[string]struct{}
	ttl      time.Duration
	clock    clock.Clock
}

// NewIdempotencyStore creates an in-memory idempotency store.
func NewIdempotencyStore(ttl time.Duration, c clock.Clock) *IdempotencyStore {
	if c == nil {
		c = clock.Real()
	}
	return &IdempotencyStore{
		entries:  make(map[string]*cachedResponse),
		inflight: make(map[string]struct{}),
		ttl:      ttl,
		clock:    c,
	}
}

// begin returns the cached response for key, or claims key for a new
// request. busy is true while another request holds the claim.
func (s *IdempotencyStore) begin(key string) (cached *cachedResponse, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if c, ok := s.entries[key]; ok {
		if now.Sub(c.CachedAt) < s.ttl {
			return c, false
		}
		delete(s.entries, key)
	}
	if _, ok := s.inflight[key]; ok {
		return nil, true
	}
	s.inflight[key] = struct{}{}
	return nil, false
}

func (s *IdempotencyStore) finish(key string, resp *cachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
	if resp != nil {
		resp.CachedAt = s.clock.Now()
		s.entries[key] = resp
	}
}

// Sweep drops expired entries.
func (s *IdempotencyStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
}

// Run sweeps expired entries every five minutes until ctx ends.
func (s *IdempotencyStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(5 * time.Minute):
			s.Sweep()
		}
	}
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent ensures that a mutating request carrying an Idempotency-Key is
// processed at most once per caller. Duplicates receive the cached 2xx
// response; a duplicate that arrives while the first is running gets 409.
func (s *Server) Idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		caller := callerOf(r)
		if key == "" || caller == "" || s.idem == nil {
			next(w, r)
			return
		}
		scoped := caller + "\x00" + r.Method + " " + r.URL.Path + "\x00" + key

		cached, busy := s.idem.begin(scoped)
		if busy {
			WriteError(w, http.StatusConflict, "Conflict", "A request with this Idempotency-Key is in progress")
			return
		}
		if cached != nil {
			for k, vals := range cached.Headers {
				w.Header()[k] = append([]string(nil), vals...)
			}
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		}

		capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		var resp *cachedResponse
		defer func() { s.idem.finish(scoped, resp) }()
		next(capture, r)

		if capture.statusCode >= 200 && capture.statusCode < 300 {
			resp = &cachedResponse{
				StatusCode: capture.statusCode,
				Headers:    w.Header().Clone(),
				Body:       capture.body.Bytes(),
			}
		}
	}
}
