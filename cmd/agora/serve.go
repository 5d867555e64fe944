package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/agora/pkg/api"
	"github.com/Mindburn-Labs/agora/pkg/auth"
	"github.com/Mindburn-Labs/agora/pkg/config"
	"github.com/Mindburn-Labs/agora/pkg/observability"
)

const (
	shutdownTimeout = 10 * time.Second
	idempotencyTTL  = 24 * time.Hour
)

func configFlag(fs *pflag.FlagSet) *string {
	return fs.StringP("config", "c", os.Getenv("AGORA_CONFIG"), "path to agora.yaml (env AGORA_CONFIG)")
}

func parseFlags(fs *pflag.FlagSet, args []string, stderr io.Writer) (int, bool) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := configFlag(fs)
	addr := fs.String("addr", "", "listen address (overrides server.addr)")
	auditPath := fs.String("audit-log", "", "append operator events to this file as JSON lines")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	logger, err := observability.NewLogger(cfg.Log, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger, *auditPath, stdout); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, auditPath string, stdout io.Writer) error {
	signer, err := auth.NewSigner(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth.secret (or AGORA_AUTH_SECRET) is required: %w", err)
	}

	telemetry, err := observability.New(ctx, observability.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	}()

	var sink io.Writer
	if auditPath != "" {
		f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("audit log: %w", err)
		}
		defer func() { _ = f.Close() }()
		sink = f
	}

	w, err := openWorld(ctx, cfg, worldOptions{logger: logger, telemetry: telemetry, auditSink: sink})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.Close(cctx); err != nil {
			logger.Error("close world", "error", err)
		}
	}()

	limiter := api.NewGlobalRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, nil)
	idem := api.NewIdempotencyStore(idempotencyTTL, nil)
	srv := api.NewServer(w.kernel, api.Options{
		Caller:      auth.Caller,
		Operator:    auth.IsOperator,
		Idempotency: idem,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(srv, limiter, signer, cfg.Server.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, _ = fmt.Fprintf(stdout, "%sagora kernel listening on %s%s\n", ColorBold+ColorBlue, cfg.Server.Addr, ColorReset)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		idem.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}

// newHandler stacks the middleware: request id, CORS, rate limit, auth.
func newHandler(srv *api.Server, limiter *api.GlobalRateLimiter, signer *auth.Signer, origins []string) http.Handler {
	var h http.Handler = srv.Routes()
	h = auth.NewMiddleware(signer)(h)
	h = limiter.Middleware(h)
	h = auth.CORSMiddleware(origins)(h)
	return auth.RequestIDMiddleware(h)
}
