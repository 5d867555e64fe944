package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/agora/pkg/auth"
	"github.com/Mindburn-Labs/agora/pkg/config"
)

// runToken mints a bearer token signed with the configured secret.
func runToken(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	configPath := configFlag(fs)
	principal := fs.StringP("principal", "p", "", "principal the token acts as (REQUIRED)")
	roles := fs.StringSlice("role", nil, "roles to grant, e.g. operator")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if *principal == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --principal is required")
		fs.PrintDefaults()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	lifetime := cfg.Auth.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	signer, err := auth.NewSigner(cfg.Auth.Secret, lifetime)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := signer.Issue(*principal, *roles...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, token)
	return 0
}

