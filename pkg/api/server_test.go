package api_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/api"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/config"
	"github.com/Mindburn-Labs/agora/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	callerHeader   = "X-Test-Caller"
	operatorHeader = "X-Test-Operator"
)

type callerCtxKey struct{}

type operatorCtxKey struct{}

// testServer stands in for the auth middleware with plain headers.
func testServer(t *testing.T, mutate func(*config.Config)) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	fc := clock.NewFake(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	cfg := config.Default()
	cfg.Genesis.Principals = []config.PrincipalConfig{
		{ID: "alice", Balances: map[string]int64{"scrip": 100}, Quotas: map[string]int64{"disk": 1000, "calls": 100}},
		{ID: "bob", Balances: map[string]int64{"scrip": 50}, Quotas: map[string]int64{"disk": 1000, "calls": 100}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	k, err := kernel.New(ctx, cfg, kernel.Deps{Clock: fc, Audit: audit.New(audit.WithClock(fc))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close(ctx) })

	srv := api.NewServer(k, api.Options{
		Caller: func(ctx context.Context) (string, bool) {
			c, _ := ctx.Value(callerCtxKey{}).(string)
			return c, c != ""
		},
		Operator: func(ctx context.Context) bool {
			return ctx.Value(operatorCtxKey{}) != nil
		},
		Idempotency: api.NewIdempotencyStore(time.Hour, fc),
	})
	routes := srv.Routes()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if c := r.Header.Get(callerHeader); c != "" {
			ctx = context.WithValue(ctx, callerCtxKey{}, c)
		}
		if r.Header.Get(operatorHeader) != "" {
			ctx = context.WithValue(ctx, operatorCtxKey{}, true)
		}
		routes.ServeHTTP(w, r.WithContext(ctx))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, caller, body string, headers ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	if caller != "" {
		req.Header.Set(callerHeader, caller)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func problemOf(t *testing.T, resp *http.Response) api.ProblemDetail {
	t.Helper()
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var p api.ProblemDetail
	decodeInto(t, resp, &p)
	return p
}

func TestHealth(t *testing.T) {
	ts := testServer(t, nil)
	resp := do(t, ts, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	ts := testServer(t, nil)
	resp := do(t, ts, "POST", "/v1/artifacts", "", `{"id":"notes","content":"aGVsbG8="}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestArtifactLifecycle(t *testing.T) {
	ts := testServer(t, nil)

	resp := do(t, ts, "POST", "/v1/artifacts", "alice", `{"id":"notes","content":"aGVsbG8="}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/v1/artifacts/notes", resp.Header.Get("Location"))
	var md map[string]any
	decodeInto(t, resp, &md)
	assert.Equal(t, "alice", md["created_by"])
	assert.Equal(t, "genesis_contract_freeware", md["access_contract_id"])

	resp = do(t, ts, "GET", "/v1/artifacts/notes", "bob", "", "Accept", "application/octet-stream")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(raw))

	resp = do(t, ts, "PUT", "/v1/artifacts/notes", "alice", "hello world")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, "PATCH", "/v1/artifacts/notes", "alice", `{"old_text":"world","new_text":"agora"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, "GET", "/v1/artifacts/notes", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a struct {
		Content []byte `json:"content"`
	}
	decodeInto(t, resp, &a)
	assert.Equal(t, "hello agora", string(a.Content))

	resp = do(t, ts, "GET", "/v1/artifacts/notes/metadata", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &md)
	assert.EqualValues(t, len("hello agora"), md["size_bytes"])

	resp = do(t, ts, "DELETE", "/v1/artifacts/notes", "alice", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, "GET", "/v1/artifacts/notes", "alice", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, kernel.CodeNotFound, problemOf(t, resp).Code)
}

func TestPermissionDryRun(t *testing.T) {
	ts := testServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/v1/artifacts", "alice", `{"id":"notes","content":"aGVsbG8="}`).StatusCode)

	resp := do(t, ts, "GET", "/v1/artifacts/notes/permission?action=write", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v kernel.Verdict
	decodeInto(t, resp, &v)
	assert.False(t, v.Allowed)
	assert.Equal(t, kernel.CodePermissionDenied, v.Code)
	assert.Equal(t, "genesis_contract_freeware", v.ContractID)

	resp = do(t, ts, "GET", "/v1/artifacts/notes/permission", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, resp, &v)
	assert.True(t, v.Allowed)

	resp = do(t, ts, "GET", "/v1/artifacts/notes/permission?action=launch", "bob", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	ts := testServer(t, nil)
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/v1/artifacts", "alice", `{"id":"notes","content":"aGVsbG8="}`).StatusCode)

	t.Run("denied", func(t *testing.T) {
		resp := do(t, ts, "PUT", "/v1/artifacts/notes", "bob", "mine now")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		p := problemOf(t, resp)
		assert.Equal(t, kernel.CodePermissionDenied, p.Code)
		assert.Equal(t, "creator-only modification", p.Detail)
		assert.False(t, p.Retriable)
	})

	t.Run("collision", func(t *testing.T) {
		resp := do(t, ts, "POST", "/v1/artifacts", "bob", `{"id":"notes","content":"aGk="}`)
		require.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Equal(t, kernel.CodeStorageCollision, problemOf(t, resp).Code)
	})

	t.Run("insufficient funds", func(t *testing.T) {
		resp := do(t, ts, "POST", "/v1/ledger/transfer", "bob", `{"to":"alice","amount":500}`)
		require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
		assert.Equal(t, kernel.CodeInsufficientFunds, problemOf(t, resp).Code)
	})

	t.Run("invalid", func(t *testing.T) {
		resp := do(t, ts, "POST", "/v1/ledger/transfer", "bob", `{"to":"alice","amount":-1}`)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, kernel.CodeInvalidRequest, problemOf(t, resp).Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := do(t, ts, "POST", "/v1/artifacts", "alice", `{"id":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("genesis immutable", func(t *testing.T) {
		resp := do(t, ts, "DELETE", "/v1/artifacts/genesis_contract_public", "bob", "")
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, kernel.ReasonGenesisImmutable, problemOf(t, resp).Detail)
	})
}

func TestQuotaExceededCarriesRetryAfter(t *testing.T) {
	ts := testServer(t, func(c *config.Config) {
		c.Kernel.ActionCosts = map[string]int64{"read": 60}
	})
	require.Equal(t, http.StatusCreated, do(t, ts, "POST", "/v1/artifacts", "alice", `{"id":"notes","content":"aGVsbG8="}`).StatusCode)

	require.Equal(t, http.StatusOK, do(t, ts, "GET", "/v1/artifacts/notes", "bob", "").StatusCode)

	resp := do(t, ts, "GET", "/v1/artifacts/notes", "bob", "")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	p := problemOf(t, resp)
	assert.Equal(t, kernel.CodeQuotaExceeded, p.Code)
	assert.True(t, p.Retriable)

	resp = do(t, ts, "GET", "/v1/quotas/bob/calls", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qv kernel.QuotaView
	decodeInto(t, resp, &qv)
	assert.Equal(t, int64(60), qv.Used)
	assert.Equal(t, int64(40), qv.Available)
}

func TestTransferAndBalances(t *testing.T) {
	ts := testServer(t, nil)

	resp := do(t, ts, "POST", "/v1/ledger/transfer", "alice", `{"to":"bob","resource":"scrip","amount":30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, "GET", "/v1/ledger/bob/scrip", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b struct {
		Balance int64 `json:"balance"`
	}
	decodeInto(t, resp, &b)
	assert.Equal(t, int64(80), b.Balance)

	resp = do(t, ts, "GET", "/v1/ledger/alice", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all map[string]int64
	decodeInto(t, resp, &all)
	assert.Equal(t, int64(70), all["scrip"])

	resp = do(t, ts, "GET", "/v1/journal?limit=10", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	decodeInto(t, resp, &entries)
	assert.NotEmpty(t, entries)

	resp = do(t, ts, "POST", "/v1/quotas/transfer", "alice", `{"to":"bob","resource":"disk","amount":100}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, ts, "GET", "/v1/quotas/bob/disk", "bob", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qv kernel.QuotaView
	decodeInto(t, resp, &qv)
	assert.Equal(t, int64(1100), qv.Quota)
}

func TestPrincipalNamedJournalHasBalances(t *testing.T) {
	ts := testServer(t, func(c *config.Config) {
		c.Genesis.Principals = append(c.Genesis.Principals, config.PrincipalConfig{
			ID: "journal", Balances: map[string]int64{"scrip": 7},
		})
	})

	resp := do(t, ts, "GET", "/v1/ledger/journal", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all map[string]int64
	decodeInto(t, resp, &all)
	assert.Equal(t, int64(7), all["scrip"])

	resp = do(t, ts, "GET", "/v1/ledger/journal/scrip", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var b struct {
		Balance int64 `json:"balance"`
	}
	decodeInto(t, resp, &b)
	assert.Equal(t, int64(7), b.Balance)

	resp = do(t, ts, "GET", "/v1/journal", "alice", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	decodeInto(t, resp, &entries)
	assert.NotEmpty(t, entries)
}

func TestTransferIdempotencyKeyReplays(t *testing.T) {
	ts := testServer(t, nil)
	body := `{"to":"bob","amount":10}`

	first := do(t, ts, "POST", "/v1/ledger/transfer", "alice", body, api.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, first.StatusCode)
	second := do(t, ts, "POST", "/v1/ledger/transfer", "alice", body, api.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("Idempotent-Replayed"))

	// The same key from another caller is a different request.
	third := do(t, ts, "POST", "/v1/ledger/transfer", "bob", `{"to":"alice","amount":1}`, api.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusOK, third.StatusCode)
	assert.Empty(t, third.Header.Get("Idempotent-Replayed"))

	resp := do(t, ts, "GET", "/v1/ledger/alice/scrip", "alice", "")
	var b struct {
		Balance int64 `json:"balance"`
	}
	decodeInto(t, resp, &b)
	assert.Equal(t, int64(91), b.Balance, "debited once, credited once")
}

func TestEventsRequireOperator(t *testing.T) {
	ts := testServer(t, nil)

	resp := do(t, ts, "GET", "/v1/events", "alice", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, ts, "GET", "/v1/events?type=bootstrap", "alice", "", operatorHeader, "1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []audit.Event
	decodeInto(t, resp, &events)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventBootstrap, events[0].Type)

	resp = do(t, ts, "GET", "/v1/events?limit=zero", "alice", "", operatorHeader, "1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
