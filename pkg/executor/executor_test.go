package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHost struct {
	now      time.Time
	meta     map[string]artifacts.Metadata
	balances map[string]int64
	invoked  []string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		meta: map[string]artifacts.Metadata{
			"doc": {ID: "doc", Creator: "alice"},
		},
		balances: map[string]int64{"alice/scrip": 40},
	}
}

func (h *fakeHost) Invoke(_ context.Context, target, method string, args []any) (any, error) {
	h.invoked = append(h.invoked, target+"."+method)
	return map[string]any{"echo": args}, nil
}

func (h *fakeHost) Metadata(_ context.Context, id string) (artifacts.Metadata, error) {
	md, ok := h.meta[id]
	if !ok {
		return artifacts.Metadata{}, artifacts.ErrNotFound
	}
	return md, nil
}

func (h *fakeHost) Balance(_ context.Context, principal, resource string) (int64, error) {
	return h.balances[principal+"/"+resource], nil
}

func (h *fakeHost) Now() time.Time { return h.now }

func (h *fakeHost) Judge(_ context.Context, prompt string) (string, error) {
	return "yes: " + prompt, nil
}

func newTestExecutor(t *testing.T, timeout time.Duration) *Executor {
	t.Helper()
	e, err := New(context.Background(), Options{Timeout: timeout, JudgmentTimeout: 4 * timeout, MemoryLimitBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func executable(id, manifest string) *artifacts.Artifact {
	return &artifacts.Artifact{
		Metadata: artifacts.Metadata{ID: id, Creator: "alice", CanExecute: true},
		Content:  []byte(manifest),
	}
}

func readCall(caller string) contracts.Call {
	return contracts.Call{
		Invocation: contracts.InvocationContext{
			Caller: caller, Action: contracts.ActionRead, Target: "doc", TargetCreatedBy: "alice",
		},
		Host: newFakeHost(),
		Self: "gate",
	}
}

func TestGenesisNativeContracts(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	for _, p := range contracts.Policies() {
		a := &artifacts.Artifact{
			Metadata: artifacts.Metadata{ID: p.ID(), Creator: artifacts.GenesisCreator, CanExecute: true, AccessContractID: p.ID()},
			Content:  contracts.GenesisManifest(p),
		}
		prog, err := e.Load(context.Background(), a)
		require.NoError(t, err)

		call := readCall("bob")
		call.Invocation.Action = contracts.ActionWrite
		res, err := e.CheckPermission(context.Background(), prog, call)
		require.NoError(t, err)

		want, reason := p.Decide("bob", contracts.ActionWrite, "doc", "alice")
		assert.Equal(t, want, res.Allowed, p.String())
		assert.Equal(t, reason, res.Reason)
	}
}

func TestCELBooleanContract(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	prog, err := e.Load(context.Background(), executable("gate",
		`{"runtime":"cel","abi":"1.0.0","check_permission":"ctx.action == 'read' && balance(ctx.caller, 'scrip') >= 10"}`))
	require.NoError(t, err)

	res, err := e.CheckPermission(context.Background(), prog, readCall("alice"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = e.CheckPermission(context.Background(), prog, readCall("bob"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestCELMapContractCarriesSettlement(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	expr := `{"allowed": creator(ctx.target) != ctx.caller && exists("doc"),` +
		` "reason": "pay per read", "scrip_cost": 3, "scrip_recipient": self,` +
		` "state_updates": {"reads": ("reads" in state ? state.reads : 0) + 1}}`
	prog, err := e.Load(context.Background(), executable("gate",
		fmt.Sprintf(`{"runtime":"cel","abi":"1.0.0","check_permission":%q}`, expr)))
	require.NoError(t, err)

	call := readCall("bob")
	call.State = contracts.NewState(1, map[string]any{"reads": int64(4)})
	res, err := e.CheckPermission(context.Background(), prog, call)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.ScripCost)
	assert.Equal(t, "gate", res.ScripRecipient)
	assert.EqualValues(t, 5, res.StateUpdates["reads"])

	res, err = e.CheckPermission(context.Background(), prog, readCall("alice"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Nil(t, res.StateUpdates, "denials never carry state updates")
}

func TestCELMethods(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	prog, err := e.Load(context.Background(), executable("tool",
		`{"runtime":"cel","abi":"1.0.0","methods":{"double":"args[0] * 2","relay":"invoke('other', 'ping', args)","ask":"judge('ok?')"}}`))
	require.NoError(t, err)

	_, isContract := prog.Checker()
	assert.False(t, isContract, "a methods-only program cannot govern artifacts")
	_, err = e.CheckPermission(context.Background(), prog, readCall("bob"))
	assert.ErrorIs(t, err, ErrNotContract)

	host := newFakeHost()
	call := contracts.Call{
		Invocation: contracts.InvocationContext{Caller: "bob", Action: contracts.ActionInvoke, Target: "tool", Method: "double", Args: []any{int64(21)}},
		Host:       host,
		Self:       "tool",
	}
	out, err := e.Invoke(context.Background(), prog, call)
	require.NoError(t, err)
	assert.Equal(t, int64(42), out)

	call.Invocation.Method = "relay"
	_, err = e.Invoke(context.Background(), prog, call)
	require.NoError(t, err)
	assert.Equal(t, []string{"other.ping"}, host.invoked)

	call.Invocation.Method = "ask"
	out, err = e.Invoke(context.Background(), prog, call)
	require.NoError(t, err)
	assert.Equal(t, "yes: ok?", out)

	call.Invocation.Method = "missing"
	_, err = e.Invoke(context.Background(), prog, call)
	assert.ErrorIs(t, err, ErrNotInvocable)
}

func TestCELCompileErrors(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	for _, src := range []string{
		`ctx.caller +`,
		`'just a string'`,
		`[1,2].all(a, [3].all(b, [4].all(c, a < b && b < c)))`,
	} {
		_, err := e.Load(context.Background(), executable("bad", fmt.Sprintf(`{"runtime":"cel","abi":"1.0.0","check_permission":%q}`, src)))
		assert.Error(t, err, src)
	}
}

type sleeper struct {
	d      time.Duration
	honour bool
}

func (s sleeper) CheckPermission(ctx context.Context, _ contracts.Call) (contracts.PermissionResult, error) {
	if s.honour {
		select {
		case <-ctx.Done():
			return contracts.PermissionResult{}, ctx.Err()
		case <-time.After(s.d):
		}
	} else {
		time.Sleep(s.d)
	}
	res := contracts.Allow("too late")
	res.StateUpdates = map[string]any{"touched": true}
	return res, nil
}

type panicker struct{}

func (panicker) CheckPermission(context.Context, contracts.Call) (contracts.PermissionResult, error) {
	panic("boom")
}

func TestTimeoutDeniesWithoutStateUpdates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("slow_ctx", func() (any, error) { return sleeper{d: time.Second, honour: true}, nil }))
	require.NoError(t, reg.Register("slow_deaf", func() (any, error) { return sleeper{d: time.Second}, nil }))
	e, err := New(context.Background(), Options{Timeout: 30 * time.Millisecond, Registry: reg})
	require.NoError(t, err)
	defer e.Close(context.Background())

	for _, name := range []string{"slow_ctx", "slow_deaf"} {
		prog, err := e.Load(context.Background(), executable(name, `{"runtime":"native","abi":"1.0.0","name":"`+name+`"}`))
		require.NoError(t, err)

		start := time.Now()
		res, err := e.CheckPermission(context.Background(), prog, readCall("bob"))
		require.ErrorIs(t, err, ErrTimeout, name)
		assert.False(t, res.Allowed)
		assert.Nil(t, res.StateUpdates)
		assert.Equal(t, ReasonExecutionError, res.Reason)
		assert.Less(t, time.Since(start), 500*time.Millisecond, name)
	}
}

func TestPanicIsContained(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("panics", func() (any, error) { return panicker{}, nil }))
	e, err := New(context.Background(), Options{Timeout: time.Second, Registry: reg})
	require.NoError(t, err)
	defer e.Close(context.Background())

	prog, err := e.Load(context.Background(), executable("p", `{"runtime":"native","abi":"1.0.0","name":"panics"}`))
	require.NoError(t, err)
	res, err := e.CheckPermission(context.Background(), prog, readCall("bob"))
	assert.ErrorIs(t, err, ErrPanic)
	assert.False(t, res.Allowed)
}

func TestTimeoutSelection(t *testing.T) {
	e := newTestExecutor(t, 100*time.Millisecond)
	prog := func(m contracts.Manifest) *Program { return &Program{Manifest: &m} }

	assert.Equal(t, 100*time.Millisecond, e.Timeout(prog(contracts.Manifest{})))
	assert.Equal(t, 400*time.Millisecond, e.Timeout(prog(contracts.Manifest{UsesJudgment: true})))
	assert.Equal(t, 20*time.Millisecond, e.Timeout(prog(contracts.Manifest{TimeoutMS: 20})))
	assert.Equal(t, 100*time.Millisecond, e.Timeout(prog(contracts.Manifest{TimeoutMS: 5000})),
		"a manifest may shorten its bound but never extend it")
}

func TestLoadRejectsNonExecutable(t *testing.T) {
	e := newTestExecutor(t, time.Second)
	_, err := e.Load(context.Background(), &artifacts.Artifact{Metadata: artifacts.Metadata{ID: "plain"}, Content: []byte("hi")})
	assert.ErrorIs(t, err, ErrNotExecutable)

	_, err = e.Load(context.Background(), executable("bad", `{"runtime":"lua","abi":"1.0.0"}`))
	assert.ErrorIs(t, err, contracts.ErrInvalidManifest)

	_, err = e.Load(context.Background(), executable("unknown", `{"runtime":"native","abi":"1.0.0","name":"nope"}`))
	assert.Error(t, err)
}

func TestConcurrentLoadsCompileOnce(t *testing.T) {
	var builds atomic.Int32
	reg := NewRegistry()
	require.NoError(t, reg.Register("counted", func() (any, error) {
		builds.Add(1)
		time.Sleep(20 * time.Millisecond)
		return contracts.PolicyPublic, nil
	}))
	e, err := New(context.Background(), Options{Timeout: time.Second, Registry: reg})
	require.NoError(t, err)
	defer e.Close(context.Background())

	a := executable("c", `{"runtime":"native","abi":"1.0.0","name":"counted"}`)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Load(context.Background(), a)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	_, err = e.Load(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, int32(1), builds.Load())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.Contains(t, reg.Names(), "freeware")
	assert.Error(t, reg.Register("freeware", func() (any, error) { return nil, nil }))
	assert.Error(t, reg.Register("", nil))

	require.NoError(t, reg.Register("broken", func() (any, error) { return nil, errors.New("no") }))
	_, err := reg.New("broken")
	assert.Error(t, err)
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	res, err := v.Validate(`[1, 2].exists(x, x > 1)`)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	v.MaxNodes = 3
	res, err = v.Validate(`1 + 2 + 3 + 4`)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error(), "nodes")

	_, err = v.Validate(`(`)
	assert.Error(t, err)
}
