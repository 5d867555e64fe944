package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agora/pkg/api"
	"github.com/Mindburn-Labs/agora/pkg/auth"
	"github.com/Mindburn-Labs/agora/pkg/config"
)

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"agora"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Version(t *testing.T) {
	code, out, _ := run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "agora "+version)
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: launch")
}

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	code, _, errOut := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE")
}

func TestInitBootstrapsWorld(t *testing.T) {
	dir := t.TempDir()

	code, out, errOut := run("init", "--dir", dir)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Initialized agora world")
	assert.FileExists(t, filepath.Join(dir, "agora.yaml"))
	assert.FileExists(t, filepath.Join(dir, "agora.db"))

	code, _, errOut = run("init", "--dir", dir)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--force")

	// A second bootstrap of the same database is a no-op.
	code, _, errOut = run("init", "--dir", dir, "--force")
	assert.Equal(t, 0, code, errOut)
}

func TestTokenMintsVerifiableToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agora.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  secret: test-secret\n"), 0o600))

	code, out, errOut := run("token", "--config", path, "--principal", "alice", "--role", "operator", "--ttl", "1h")
	require.Equal(t, 0, code, errOut)

	signer, err := auth.NewSigner("test-secret", time.Hour)
	require.NoError(t, err)
	claims, err := signer.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, []string{"operator"}, claims.Roles)
}

func TestTokenRequiresPrincipal(t *testing.T) {
	code, _, errOut := run("token")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--principal is required")
}

func TestHealth(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	code, out, _ := run("health", "--url", ok.URL)
	assert.Equal(t, 0, code)
	assert.Equal(t, "OK\n", out)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	code, _, errOut := run("health", "--url", down.URL)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "status 503")
}

// TestServeStack drives the full middleware stack over sqlite-backed stores.
func TestServeStack(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.URL = "sqlite::memory:"
	cfg.Auth.Secret = "stack-secret"
	cfg.Genesis.Principals = []config.PrincipalConfig{
		{ID: "alice", Balances: map[string]int64{"scrip": 100}, Quotas: map[string]int64{"disk": 4096, "calls": 100}},
	}

	w, err := openWorld(ctx, cfg, worldOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(ctx) })

	signer, err := auth.NewSigner(cfg.Auth.Secret, time.Hour)
	require.NoError(t, err)
	srv := api.NewServer(w.kernel, api.Options{Caller: auth.Caller, Operator: auth.IsOperator})
	ts := httptest.NewServer(newHandler(srv, api.NewGlobalRateLimiter(100, 100, nil), signer, nil))
	t.Cleanup(ts.Close)

	resp, err := ts.Client().Get(ts.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(auth.HeaderRequestID))

	req, _ := http.NewRequest("POST", ts.URL+"/v1/artifacts", strings.NewReader(`{"id":"notes","content":"aGVsbG8="}`))
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := signer.Issue("alice")
	require.NoError(t, err)
	req, _ = http.NewRequest("POST", ts.URL+"/v1/artifacts", strings.NewReader(`{"id":"notes","content":"aGVsbG8="}`))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, _ = http.NewRequest("GET", ts.URL+"/v1/quotas/alice/disk", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var qv struct {
		Used int64 `json:"used"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&qv))
	assert.Equal(t, int64(5), qv.Used)
}
