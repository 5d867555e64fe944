// Package kernel is the artifact kernel of the resource economy.
//
// A Kernel owns the storage primitive, the ledger, the quota tracker, the
// contract executor and the permission engine, and exposes the five
// artifact actions plus the free accounting queries. Every operation returns
// an ActionResult; nothing a caller or a contract does can panic the
// process.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/config"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/executor"
	"github.com/Mindburn-Labs/agora/pkg/judge"
	"github.com/Mindburn-Labs/agora/pkg/ledger"
	"github.com/Mindburn-Labs/agora/pkg/observability"
	"github.com/Mindburn-Labs/agora/pkg/permission"
	"github.com/Mindburn-Labs/agora/pkg/quota"
)

// Deps are the kernel's collaborators. Nil fields get in-memory defaults.
type Deps struct {
	Artifacts artifacts.Store
	Ledger    ledger.Ledger
	Quota     *quota.Tracker
	State     permission.StateStore
	// Executor, if set, is owned by the caller. Otherwise the kernel builds
	// one from Registry and closes it in Close.
	Executor  *executor.Executor
	Registry  *executor.Registry
	Judge     judge.Service
	Audit     *audit.Log
	Telemetry *observability.Provider
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Kernel is a running world.
type Kernel struct {
	cfg       *config.Config
	store     artifacts.Store
	ledger    ledger.Ledger
	quota     *quota.Tracker
	exec      *executor.Executor
	ownsExec  bool
	engine    *permission.Engine
	judge     judge.Service
	audit     *audit.Log
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     clock.Clock
	locks     *stripedLocks
}

// New validates cfg, wires the kernel and runs bootstrap. Bootstrap writes
// happen only inside New; once it returns no code path can create
// artifacts as the genesis principal.
func New(ctx context.Context, cfg *config.Config, d Deps) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: invalid config: %w", err)
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Artifacts == nil {
		d.Artifacts = artifacts.NewMemoryStore()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.NewMemoryLedger(d.Clock)
	}
	if d.Quota == nil {
		t, err := quota.NewTracker(quota.SpecsFromConfig(cfg.Quota.Resources), nil, nil, d.Clock)
		if err != nil {
			return nil, fmt.Errorf("kernel: quota tracker: %w", err)
		}
		d.Quota = t
	}
	if d.Judge == nil {
		d.Judge = judge.Disabled{}
	}

	k := &Kernel{
		cfg:       cfg,
		store:     d.Artifacts,
		ledger:    d.Ledger,
		quota:     d.Quota,
		exec:      d.Executor,
		judge:     d.Judge,
		audit:     d.Audit,
		telemetry: d.Telemetry,
		logger:    d.Logger.With("component", "kernel"),
		clock:     d.Clock,
		locks:     newStripedLocks(),
	}
	if k.exec == nil {
		exec, err := executor.New(ctx, executor.Options{
			Timeout:          cfg.Contracts.Timeout,
			JudgmentTimeout:  cfg.Contracts.JudgmentTimeout,
			MemoryLimitBytes: cfg.Contracts.MemoryLimitBytes,
			Registry:         d.Registry,
			Logger:           d.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("kernel: executor: %w", err)
		}
		k.exec = exec
		k.ownsExec = true
	}

	engine, err := permission.New(permission.ConfigFrom(cfg), permission.Deps{
		Artifacts: k.store,
		Executor:  k.exec,
		Ledger:    k.ledger,
		Quota:     k.quota,
		State:     d.State,
		Hosts:     k.hostFor,
		Audit:     k.audit,
		Telemetry: k.telemetry,
		Logger:    d.Logger,
		Clock:     k.clock,
	})
	if err != nil {
		k.closeExec(ctx)
		return nil, fmt.Errorf("kernel: permission engine: %w", err)
	}
	k.engine = engine

	g := &genesisWriter{store: k.store, clock: k.clock}
	err = k.bootstrap(ctx, g)
	g.seal()
	if err != nil {
		k.closeExec(ctx)
		return nil, fmt.Errorf("kernel: bootstrap: %w", err)
	}
	return k, nil
}

// Close releases the executor if the kernel built it.
func (k *Kernel) Close(ctx context.Context) error {
	if !k.ownsExec {
		return nil
	}
	return k.exec.Close(ctx)
}

func (k *Kernel) closeExec(ctx context.Context) {
	if k.ownsExec {
		_ = k.exec.Close(ctx)
	}
}

// Config returns the configuration the kernel runs with.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Audit returns the operator event log, which may be nil.
func (k *Kernel) Audit() *audit.Log { return k.audit }

// Ping checks that storage and the ledger answer.
func (k *Kernel) Ping(ctx context.Context) error {
	if _, err := k.store.Exists(ctx, contracts.PrivateID); err != nil {
		return fmt.Errorf("artifacts: %w", err)
	}
	if _, err := k.ledger.Total(ctx, k.cfg.Kernel.ScripResource); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

// genesisWriter is the only path that creates artifacts owned by the
// genesis principal. It stops working once sealed.
type genesisWriter struct {
	store  artifacts.Store
	clock  clock.Clock
	sealed atomic.Bool
}

var errSealed = errors.New("kernel: genesis writer is sealed")

// create stores a as the genesis principal. An existing artifact with the
// same id and creator is left alone, so bootstrap over persisted storage is
// idempotent.
func (g *genesisWriter) create(ctx context.Context, a *artifacts.Artifact) (bool, error) {
	if g.sealed.Load() {
		return false, errSealed
	}
	now := g.clock.Now().UTC()
	a.Creator = artifacts.GenesisCreator
	a.CreatedAt = now
	a.UpdatedAt = now
	a.SizeBytes = int64(len(a.Content))
	err := g.store.Create(ctx, a)
	if errors.Is(err, artifacts.ErrCollision) {
		existing, gerr := g.store.Get(ctx, a.ID)
		if gerr != nil {
			return false, gerr
		}
		if existing.Creator != artifacts.GenesisCreator {
			return false, fmt.Errorf("%s is held by %q", a.ID, existing.Creator)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *genesisWriter) seal() { g.sealed.Store(true) }
