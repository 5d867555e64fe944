// Package judge is the client for the external judgment service that
// contracts may consult (typically an LLM behind an HTTP endpoint).
package judge

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrUnavailable   = errors.New("judge: service unavailable")
	ErrNotConfigured = errors.New("judge: no judgment service configured")
)

// Service answers free-form prompts.
type Service interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

type request struct {
	Prompt string `json:"prompt"`
}

type response struct {
	Verdict string `json:"verdict"`
	Error   string `json:"error,omitempty"`
}

// HTTPClient posts prompts as JSON to a judgment endpoint. Transient
// failures are retried with exponential backoff and jitter; repeated
// failures open a circuit breaker so contracts fail fast instead of burning
// their timeout on a dead service.
type HTTPClient struct {
	url        string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

type Option func(*HTTPClient)

func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) { h.client = c }
}

// WithRetries sets the number of retries after the first attempt and the
// base backoff between them.
func WithRetries(n int, backoff time.Duration) Option {
	return func(h *HTTPClient) {
		h.maxRetries = n
		h.backoff = backoff
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPClient) { h.logger = l }
}

// NewHTTPClient creates a client for url.
func NewHTTPClient(url string, timeout time.Duration, opts ...Option) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTPClient{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
		backoff:    100 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	h.logger = h.logger.With("component", "judge")
	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "judge",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// Only unavailability counts against the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return h
}

// retryable marks failures worth another attempt.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Judge sends prompt and returns the service's verdict.
func (h *HTTPClient) Judge(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(request{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("judge: encode request: %w", err)
	}

	v, err := h.breaker.Execute(func() (interface{}, error) {
		var lastErr error
		for i := 0; i <= h.maxRetries; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(h.delay(i - 1)):
				}
			}
			verdict, err := h.post(ctx, body)
			if err == nil {
				return verdict, nil
			}
			lastErr = err
			var r retryable
			if !errors.As(err, &r) || ctx.Err() != nil {
				break
			}
		}
		return nil, lastErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", err
	}
	return v.(string), nil
}

// delay is base * 2^attempt plus up to 50ms of jitter.
func (h *HTTPClient) delay(attempt int) time.Duration {
	d := h.backoff << attempt
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}

func (h *HTTPClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("judge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", retryable{fmt.Errorf("%w: %v", ErrUnavailable, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", retryable{fmt.Errorf("%w: read body: %v", ErrUnavailable, err)}
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", retryable{fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)}
	}

	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("judge: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("judge: status %d: %s", resp.StatusCode, out.Error)
	}
	return out.Verdict, nil
}

// Static answers every prompt from a fixed table, falling back to Default.
type Static struct {
	Answers map[string]string
	Default string
	Err     error
}

func (s Static) Judge(_ context.Context, prompt string) (string, error) {
	if s.Err != nil {
		return "", s.Err
	}
	if v, ok := s.Answers[prompt]; ok {
		return v, nil
	}
	return s.Default, nil
}

// Disabled is the Service used when no judgment endpoint is configured.
type Disabled struct{}

func (Disabled) Judge(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}
