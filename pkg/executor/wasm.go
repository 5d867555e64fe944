package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const wasmPageSize = 64 * 1024

// wasmRuntime runs WASI command modules with deny-by-default capabilities:
// no filesystem, no environment, no clock or randomness beyond wazero's
// deterministic defaults. The runtime closes a module when its context is
// done, which is how timeouts interrupt a spinning contract.
type wasmRuntime struct {
	runtime wazero.Runtime
}

func newWASMRuntime(ctx context.Context, memoryLimitBytes uint64) *wasmRuntime {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / wasmPageSize)
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &wasmRuntime{runtime: r}
}

func (w *wasmRuntime) close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

func (w *wasmRuntime) compile(ctx context.Context, module []byte) (any, error) {
	compiled, err := w.runtime.CompileModule(ctx, module)
	if err != nil {
		return nil, fmt.Errorf("wasi: compilation failed: %w", err)
	}
	return &wasmProgram{rt: w, module: compiled}, nil
}

// wasmRequest is written to the module's stdin.
type wasmRequest struct {
	Entry      string                      `json:"entry"`
	Invocation contracts.InvocationContext `json:"invocation"`
	State      map[string]any              `json:"state"`
	Self       string                      `json:"self"`
	Now        time.Time                   `json:"now"`
}

// wasmInvokeResponse is what a module prints for the invoke entry.
type wasmInvokeResponse struct {
	Result any    `json:"result"`
	Error  string `json:"error,omitempty"`
}

type wasmProgram struct {
	rt     *wasmRuntime
	module wazero.CompiledModule
}

func (p *wasmProgram) CheckPermission(ctx context.Context, call contracts.Call) (contracts.PermissionResult, error) {
	out, err := p.run(ctx, "check_permission", call)
	if err != nil {
		return contracts.PermissionResult{}, err
	}
	var res contracts.PermissionResult
	if err := json.Unmarshal(out, &res); err != nil {
		return contracts.PermissionResult{}, fmt.Errorf("wasi: malformed check_permission output: %w", err)
	}
	return res, nil
}

func (p *wasmProgram) Invoke(ctx context.Context, call contracts.Call) (any, error) {
	out, err := p.run(ctx, "invoke", call)
	if err != nil {
		return nil, err
	}
	var resp wasmInvokeResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("wasi: malformed invoke output: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp.Result, nil
}

func (p *wasmProgram) run(ctx context.Context, entry string, call contracts.Call) ([]byte, error) {
	now := time.Now()
	if call.Host != nil {
		now = call.Host.Now()
	}
	input, err := json.Marshal(wasmRequest{
		Entry:      entry,
		Invocation: call.Invocation,
		State:      call.State.Map(),
		Self:       call.Self,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := p.rt.runtime.InstantiateModule(ctx, p.module, cfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	if err != nil {
		var exit *sys.ExitError
		if !errors.As(err, &exit) || exit.ExitCode() != 0 {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("wasi: %w", err)
		}
	}
	if stderr.Len() > 0 {
		return nil, fmt.Errorf("wasi: stderr output: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}
