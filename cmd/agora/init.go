package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/agora/pkg/config"
)

const configTemplate = `# agora kernel configuration
server:
  addr: ":8080"
  rate_limit_rps: 50
  rate_limit_burst: 100
auth:
  secret: %q
  token_ttl: 24h
log:
  level: INFO
  format: json
database:
  url: %q
kernel:
  max_permission_depth: 10
  action_costs: {}
contracts:
  timeout: 250ms
  default_contract: genesis_contract_freeware
  dangling_policy: fail_closed
quota:
  resources:
    - {name: disk, kind: allocatable}
    - {name: calls, kind: renewable, window: 1m}
    - {name: llm_tokens, kind: renewable, window: 1m}
genesis:
  principals:
    - id: alice
      balances: {scrip: 100}
      quotas: {disk: 1048576, calls: 600, llm_tokens: 100}
`

// runInit writes agora.yaml with a fresh auth secret and bootstraps the
// world it describes.
func runInit(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	dir := fs.String("dir", ".", "directory for agora.yaml and the sqlite database")
	force := fs.Bool("force", false, "overwrite an existing agora.yaml")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	abs, err := filepath.Abs(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot create %s: %v\n", abs, err)
		return 2
	}

	configPath := filepath.Join(abs, "agora.yaml")
	if _, err := os.Stat(configPath); err == nil && !*force {
		_, _ = fmt.Fprintf(stderr, "Error: %s exists (use --force to overwrite)\n", configPath)
		return 2
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: generate secret: %v\n", err)
		return 1
	}
	dbURL := "sqlite://" + filepath.Join(abs, "agora.db")
	content := fmt.Sprintf(configTemplate, hex.EncodeToString(secret), dbURL)
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", configPath, err)
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	w, err := openWorld(ctx, cfg, worldOptions{logger: logger})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: bootstrap: %v\n", err)
		return 1
	}
	if err := w.Close(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "Initialized agora world in %s\n", abs)
	return 0
}
