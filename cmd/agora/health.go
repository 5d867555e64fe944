package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/agora/pkg/kernel/retry"
)

// runHealth polls the health endpoint, backing off between attempts.
func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("health", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:8080/health", "health endpoint")
	attempts := fs.Int("attempts", 1, "attempts before giving up")
	timeout := fs.Duration("timeout", 5*time.Second, "per-attempt timeout")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	policy := retry.DefaultPolicy
	policy.MaxAttempts = max(*attempts, 1)
	client := &http.Client{Timeout: *timeout}

	var lastErr error
	for _, a := range retry.Schedule(*url, policy, time.Now()) {
		if a.Delay > 0 {
			time.Sleep(a.Delay)
		}
		if lastErr = ping(client, *url); lastErr == nil {
			_, _ = fmt.Fprintln(stdout, "OK")
			return 0
		}
	}
	_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", lastErr)
	return 1
}

func ping(client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
