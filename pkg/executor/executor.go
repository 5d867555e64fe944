// Package executor runs contract code.
//
// Executable artifacts carry a JSON manifest naming one of three runtimes:
// native (a Go program from a registry), CEL expressions, or a WASI module.
// Every execution is bounded by a wall-clock timeout. Errors, panics and
// timeouts are reported as errors alongside a denial; callers must never
// apply the state updates of a failed execution.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/canonicalize"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotExecutable = errors.New("executor: artifact is not executable")
	ErrNotContract   = errors.New("executor: program does not implement check_permission")
	ErrNotInvocable  = errors.New("executor: program is not invocable")
	ErrTimeout       = errors.New("executor: execution timed out")
	ErrPanic         = errors.New("executor: contract panicked")
)

// ReasonExecutionError is the denial reason callers see when contract code
// fails. Details go to the log, not to the caller.
const ReasonExecutionError = "contract execution error"

const maxCachedPrograms = 1024

// Options configures an Executor.
type Options struct {
	Timeout          time.Duration
	JudgmentTimeout  time.Duration
	MemoryLimitBytes uint64
	Registry         *Registry
	Logger           *slog.Logger
}

// Program is a loaded executable artifact. Its capabilities are whatever
// interfaces the underlying implementation satisfies.
type Program struct {
	ArtifactID string
	Hash       string
	Manifest   *contracts.Manifest
	impl       any
}

// Checker returns the program's permission capability, if it has one.
func (p *Program) Checker() (contracts.PermissionChecker, bool) {
	c, ok := p.impl.(contracts.PermissionChecker)
	return c, ok
}

// Invocable returns the program's method capability, if it has one.
func (p *Program) Invocable() (contracts.Invocable, bool) {
	i, ok := p.impl.(contracts.Invocable)
	return i, ok
}

// Executor loads and runs contract programs.
type Executor struct {
	opts   Options
	logger *slog.Logger
	cel    *celRuntime
	wasm   *wasmRuntime

	mu    sync.RWMutex
	cache map[string]any // content hash -> compiled implementation
	group singleflight.Group
}

// New creates an executor. Close releases the WASM runtime.
func New(ctx context.Context, opts Options) (*Executor, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 250 * time.Millisecond
	}
	if opts.JudgmentTimeout < opts.Timeout {
		opts.JudgmentTimeout = opts.Timeout
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	celRT, err := newCELRuntime()
	if err != nil {
		return nil, err
	}
	return &Executor{
		opts:   opts,
		logger: logger.With("component", "executor"),
		cel:    celRT,
		wasm:   newWASMRuntime(ctx, opts.MemoryLimitBytes),
		cache:  make(map[string]any),
	}, nil
}

// Close releases compiled modules.
func (e *Executor) Close(ctx context.Context) error {
	return e.wasm.close(ctx)
}

// Load parses, validates and compiles a's manifest. Compilation results are
// cached by content hash, and concurrent loads of the same content share
// one compilation.
func (e *Executor) Load(ctx context.Context, a *artifacts.Artifact) (*Program, error) {
	if a == nil || !a.CanExecute {
		return nil, ErrNotExecutable
	}
	m, err := contracts.ParseManifest(a.Content)
	if err != nil {
		return nil, err
	}
	hash := canonicalize.HashBytes(a.Content)

	e.mu.RLock()
	impl, ok := e.cache[hash]
	e.mu.RUnlock()
	if !ok {
		v, err, _ := e.group.Do(hash, func() (any, error) {
			e.mu.RLock()
			cached, ok := e.cache[hash]
			e.mu.RUnlock()
			if ok {
				return cached, nil
			}
			impl, err := e.compile(ctx, m)
			if err != nil {
				return nil, err
			}
			e.mu.Lock()
			if len(e.cache) >= maxCachedPrograms {
				for k := range e.cache {
					delete(e.cache, k)
					break
				}
			}
			e.cache[hash] = impl
			e.mu.Unlock()
			return impl, nil
		})
		if err != nil {
			return nil, fmt.Errorf("executor: load %s: %w", a.ID, err)
		}
		impl = v
	}
	return &Program{ArtifactID: a.ID, Hash: hash, Manifest: m, impl: impl}, nil
}

func (e *Executor) compile(ctx context.Context, m *contracts.Manifest) (any, error) {
	switch m.Runtime {
	case contracts.RuntimeNative:
		return e.opts.Registry.New(m.Name)
	case contracts.RuntimeCEL:
		return e.cel.compile(m)
	case contracts.RuntimeWASM:
		return e.wasm.compile(ctx, m.Module)
	}
	return nil, fmt.Errorf("%w: unknown runtime %q", contracts.ErrInvalidManifest, m.Runtime)
}

// Timeout returns the wall-clock bound for running p.
func (e *Executor) Timeout(p *Program) time.Duration {
	d := e.opts.Timeout
	if p.Manifest != nil && p.Manifest.UsesJudgment {
		d = e.opts.JudgmentTimeout
	}
	if p.Manifest != nil {
		if own := p.Manifest.Timeout(); own > 0 && own < d {
			d = own
		}
	}
	return d
}

// CheckPermission runs p's check_permission. On any failure it returns a
// denial with no state updates together with the error.
func (e *Executor) CheckPermission(ctx context.Context, p *Program, call contracts.Call) (contracts.PermissionResult, error) {
	checker, ok := p.Checker()
	if !ok {
		return contracts.Deny(ReasonExecutionError), ErrNotContract
	}
	v, err := e.run(ctx, p, "check_permission", func(ctx context.Context) (any, error) {
		return checker.CheckPermission(ctx, call)
	})
	if err != nil {
		return contracts.Deny(ReasonExecutionError), err
	}
	res := v.(contracts.PermissionResult)
	if !res.Allowed {
		res.StateUpdates = nil
	}
	return res, nil
}

// Invoke runs one of p's methods.
func (e *Executor) Invoke(ctx context.Context, p *Program, call contracts.Call) (any, error) {
	inv, ok := p.Invocable()
	if !ok {
		return nil, ErrNotInvocable
	}
	return e.run(ctx, p, "invoke", func(ctx context.Context) (any, error) {
		return inv.Invoke(ctx, call)
	})
}

type outcome struct {
	v   any
	err error
}

// run executes fn on its own goroutine so that code which ignores its
// context still cannot hold the caller past the deadline. A late result is
// discarded.
func (e *Executor) run(ctx context.Context, p *Program, entry string, fn func(context.Context) (any, error)) (any, error) {
	timeout := e.Timeout(p)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("contract panicked",
					"artifact", p.ArtifactID, "entry", entry, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := fn(ctx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				out.err = fmt.Errorf("%w after %v: %v", ErrTimeout, timeout, out.err)
			}
			e.logger.Warn("contract execution failed", "artifact", p.ArtifactID, "entry", entry, "error", out.err)
		}
		return out.v, out.err
	case <-ctx.Done():
		err := fmt.Errorf("%w after %v", ErrTimeout, timeout)
		if parent := context.Cause(ctx); parent != nil && !errors.Is(parent, context.DeadlineExceeded) {
			err = parent
		}
		e.logger.Warn("contract execution aborted", "artifact", p.ArtifactID, "entry", entry, "error", err)
		return nil, err
	}
}
