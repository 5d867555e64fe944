package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/config"
	"github.com/Mindburn-Labs/agora/pkg/database"
	"github.com/Mindburn-Labs/agora/pkg/judge"
	"github.com/Mindburn-Labs/agora/pkg/kernel"
	"github.com/Mindburn-Labs/agora/pkg/ledger"
	"github.com/Mindburn-Labs/agora/pkg/observability"
	"github.com/Mindburn-Labs/agora/pkg/permission"
	"github.com/Mindburn-Labs/agora/pkg/quota"
)

// world is a kernel over durable stores, plus everything it must release.
type world struct {
	kernel  *kernel.Kernel
	closers []func(context.Context) error
}

type worldOptions struct {
	logger    *slog.Logger
	telemetry *observability.Provider
	auditSink io.Writer
}

// openWorld opens the configured database, blob store and quota backend and
// boots a kernel over them. Bootstrap is idempotent, so every start of an
// existing world only rebuilds its in-memory accounting.
func openWorld(ctx context.Context, cfg *config.Config, o worldOptions) (_ *world, err error) {
	w := &world{}
	defer func() {
		if err != nil {
			_ = w.Close(ctx)
		}
	}()
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	c := clock.Real()

	db, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	w.closers = append(w.closers, func(context.Context) error { return db.Close() })
	logger.InfoContext(ctx, "database: connected", "dialect", db.Dialect)

	blobs, err := artifacts.NewBlobStore(ctx, cfg.Blobs)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	storeOpts := []artifacts.SQLStoreOption{artifacts.WithLogger(logger)}
	if blobs != nil {
		storeOpts = append(storeOpts, artifacts.WithBlobStore(blobs, cfg.Blobs.InlineLimit))
		if cl, ok := blobs.(io.Closer); ok {
			w.closers = append(w.closers, func(context.Context) error { return cl.Close() })
		}
	}
	store := artifacts.NewSQLStore(db, storeOpts...)
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	led := ledger.NewSQLLedger(db.DB, c)
	if err := led.Init(ctx); err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	assign := quota.NewSQLAssignments(db.DB)
	if err := assign.Init(ctx); err != nil {
		return nil, fmt.Errorf("quota assignments: %w", err)
	}
	var backend quota.Backend
	if cfg.Redis.Addr != "" {
		rb := quota.NewRedisBackend(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		w.closers = append(w.closers, func(context.Context) error { return rb.Close() })
		if err := rb.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		backend = rb
		logger.InfoContext(ctx, "quota: redis backend", "addr", cfg.Redis.Addr)
	}
	tracker, err := quota.NewTracker(quota.SpecsFromConfig(cfg.Quota.Resources), backend, assign, c)
	if err != nil {
		return nil, fmt.Errorf("quota tracker: %w", err)
	}

	state := permission.NewSQLStateStore(db)
	if err := state.Init(ctx); err != nil {
		return nil, fmt.Errorf("contract state: %w", err)
	}

	var j judge.Service = judge.Disabled{}
	if cfg.Judge.URL != "" {
		j = judge.NewHTTPClient(cfg.Judge.URL, cfg.Judge.Timeout, judge.WithLogger(logger))
	}

	var auditOpts []audit.Option
	if o.auditSink != nil {
		auditOpts = append(auditOpts, audit.WithSink(o.auditSink))
	}

	k, err := kernel.New(ctx, cfg, kernel.Deps{
		Artifacts: store,
		Ledger:    led,
		Quota:     tracker,
		State:     state,
		Judge:     j,
		Audit:     audit.New(auditOpts...),
		Telemetry: o.telemetry,
		Logger:    logger,
		Clock:     c,
	})
	if err != nil {
		return nil, err
	}
	w.kernel = k
	return w, nil
}

// Close releases resources in reverse order of acquisition.
func (w *world) Close(ctx context.Context) error {
	var errs []error
	if w.kernel != nil {
		errs = append(errs, w.kernel.Close(ctx))
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i](ctx))
	}
	return errors.Join(errs...)
}
