// Package permission is the kernel's permission engine.
//
// Every action on an artifact is judged by the contract named in the
// target's access_contract_id, asked about the immediate caller. Genesis
// contracts are decided inline; everything else runs in the executor
// against a snapshot of the contract's state. An allowed decision is then
// settled: quota charges are reserved, scrip moves from payer to recipient,
// and the contract's state diff is committed if the snapshot is still
// current. A decision that cannot be fully settled is denied with nothing
// applied.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/canonicalize"
	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/config"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/executor"
	"github.com/Mindburn-Labs/agora/pkg/ledger"
	"github.com/Mindburn-Labs/agora/pkg/observability"
	"github.com/Mindburn-Labs/agora/pkg/quota"
	"github.com/google/uuid"
)

// Outcome classifies a decision.
type Outcome string

const (
	OutcomeAllowed           Outcome = "allowed"
	OutcomeDenied            Outcome = "denied"
	OutcomeQuotaExceeded     Outcome = "quota_exceeded"
	OutcomeDepthExceeded     Outcome = "depth_exceeded"
	OutcomeContractError     Outcome = "contract_error"
	OutcomeDangling          Outcome = "dangling_contract"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeStateConflict     Outcome = "state_conflict"
	OutcomeInternal          Outcome = "internal"
)

// Denial reasons produced by the engine itself.
const (
	ReasonDepthExceeded     = "permission depth exceeded"
	ReasonDangling          = "access contract not found"
	ReasonNotContract       = "access contract cannot check permissions"
	ReasonUnauthorizedPayer = "unauthorized payer"
	ReasonInvalidRecipient  = "invalid scrip recipient"
	ReasonInvalidCost       = "invalid scrip cost"
	ReasonInsufficientFunds = "insufficient scrip"
	ReasonQuotaExceeded     = "quota exceeded"
	ReasonStateConflict     = "contract state changed concurrently"
	ReasonUnknownAction     = "unknown action"
	ReasonInternal          = "internal error"
)

// Config tunes the engine.
type Config struct {
	// MaxDepth is the deepest nested invocation allowed. The top-level
	// request has depth zero.
	MaxDepth     int
	StateRetries int
	// DanglingPolicy is config.DanglingFailOpen or config.DanglingFailClosed.
	DanglingPolicy   string
	DefaultOnMissing string
	FastPath         bool
	ScripResource    string
}

// ConfigFrom maps kernel configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxDepth:         c.Kernel.MaxPermissionDepth,
		StateRetries:     c.Kernel.StateRetries,
		DanglingPolicy:   c.Contracts.DanglingPolicy,
		DefaultOnMissing: c.Contracts.DefaultOnMissing,
		FastPath:         c.Contracts.FastPath,
		ScripResource:    c.Kernel.ScripResource,
	}
}

// HostFactory builds the host API handed to contract code running on
// behalf of inv.
type HostFactory func(prog *executor.Program, inv contracts.InvocationContext) contracts.Host

// Deps are the engine's collaborators. Artifacts, Executor, Ledger and
// Quota are required.
type Deps struct {
	Artifacts artifacts.Store
	Executor  *executor.Executor
	Ledger    ledger.Ledger
	Quota     *quota.Tracker
	State     StateStore
	Hosts     HostFactory
	Audit     *audit.Log
	Telemetry *observability.Provider
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Request asks whether Caller may perform Action on Target.
type Request struct {
	Caller string
	Action contracts.Action
	Target artifacts.Metadata
	Method string
	Args   []any
	Depth  int
	// Charges are kernel-side costs of the action, drawn from the
	// resource payer the contract names.
	Charges []quota.Charge
}

// Decision is the engine's verdict on one request.
type Decision struct {
	ID         string
	Result     contracts.PermissionResult
	Outcome    Outcome
	ContractID string
	FastPath   bool
	Fallback   bool
	Cached     bool
	// Denial is set when Outcome is OutcomeQuotaExceeded.
	Denial *quota.Denial
	// Hash is a canonical digest of the request and verdict.
	Hash string
	// Settlement undoes what the decision applied. Nil unless allowed by Check.
	Settlement *Settlement
	// Err carries the internal cause behind contract and internal errors.
	// It is never shown to callers.
	Err error
}

func (d *Decision) Allowed() bool { return d.Outcome == OutcomeAllowed }

func (d *Decision) deny(o Outcome, reason string) *Decision {
	d.Outcome = o
	d.Result = contracts.Deny(reason)
	return d
}

// Engine evaluates and settles permission requests.
type Engine struct {
	cfg       Config
	store     artifacts.Store
	exec      *executor.Executor
	ledger    ledger.Ledger
	quota     *quota.Tracker
	state     StateStore
	hosts     HostFactory
	audit     *audit.Log
	telemetry *observability.Provider
	logger    *slog.Logger
	clock     clock.Clock
	cache     *decisionCache

	commitLocks sync.Map // contract id -> *sync.Mutex
}

func New(cfg Config, d Deps) (*Engine, error) {
	if d.Artifacts == nil || d.Executor == nil || d.Ledger == nil || d.Quota == nil {
		return nil, errors.New("permission: artifacts, executor, ledger and quota are required")
	}
	if cfg.MaxDepth <= 0 {
		return nil, fmt.Errorf("permission: max depth must be positive, got %d", cfg.MaxDepth)
	}
	if cfg.StateRetries < 1 {
		cfg.StateRetries = 1
	}
	if cfg.DanglingPolicy == "" {
		cfg.DanglingPolicy = config.DanglingFailClosed
	}
	if cfg.ScripResource == "" {
		cfg.ScripResource = "scrip"
	}
	if d.State == nil {
		d.State = NewMemoryStateStore()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		store:     d.Artifacts,
		exec:      d.Executor,
		ledger:    d.Ledger,
		quota:     d.Quota,
		state:     d.State,
		hosts:     d.Hosts,
		audit:     d.Audit,
		telemetry: d.Telemetry,
		logger:    d.Logger.With("component", "permission"),
		clock:     d.Clock,
		cache:     newDecisionCache(),
	}
	if e.hosts == nil {
		e.hosts = func(*executor.Program, contracts.InvocationContext) contracts.Host {
			return &baseHost{store: e.store, ledger: e.ledger, clock: e.clock}
		}
	}
	return e, nil
}

// Check decides req and, if allowed, settles it.
func (e *Engine) Check(ctx context.Context, req Request) *Decision {
	return e.decide(ctx, req, true)
}

// Evaluate decides req without side effects. Contract code sees a host
// whose Invoke and Judge fail, and nothing is charged or committed.
func (e *Engine) Evaluate(ctx context.Context, req Request) *Decision {
	return e.decide(ctx, req, false)
}

// Invalidate drops cached decisions made by contract. The kernel calls it
// when the contract artifact is rewritten or deleted.
func (e *Engine) Invalidate(contract string) {
	e.cache.invalidate(contract)
}

// LoadState returns the current state snapshot of contract.
func (e *Engine) LoadState(ctx context.Context, contract string) (contracts.State, error) {
	return e.state.Load(ctx, contract)
}

func (e *Engine) decide(ctx context.Context, req Request, commit bool) (d *Decision) {
	ctx, finish := e.telemetry.TrackOperation(ctx, "permission.check",
		observability.KernelOperation(string(req.Action), req.Caller, req.Target.ID, req.Depth)...)
	d = &Decision{ID: uuid.NewString()}
	defer func() {
		e.finish(ctx, req, d)
		finish(d.Err)
	}()

	if !req.Action.Valid() {
		return d.deny(OutcomeDenied, ReasonUnknownAction)
	}
	if req.Depth > e.cfg.MaxDepth {
		e.logger.WarnContext(ctx, "permission depth exceeded",
			"caller", req.Caller, "target", req.Target.ID, "action", req.Action,
			"depth", req.Depth, "max_depth", e.cfg.MaxDepth)
		e.record(ctx, audit.EventDepthExceeded, req, map[string]any{
			"depth": req.Depth, "max_depth": e.cfg.MaxDepth,
		})
		return d.deny(OutcomeDepthExceeded, ReasonDepthExceeded)
	}

	c, ok := e.resolve(ctx, req, d)
	if !ok {
		return d
	}

	for attempt := 1; ; attempt++ {
		res, snapshot, ok := e.evaluate(ctx, req, c, d, !commit)
		if !ok {
			return d
		}
		if !res.Allowed {
			res.StateUpdates = nil
			d.Result = res
			d.Outcome = OutcomeDenied
			return d
		}
		if reason, ok := e.completePayers(req, c, &res); !ok {
			return d.deny(OutcomeDenied, reason)
		}
		d.Result = res
		if !commit {
			d.Outcome = OutcomeAllowed
			return d
		}

		err := e.settle(ctx, req, c, d, snapshot)
		if errors.Is(err, ErrStateConflict) {
			if attempt < e.cfg.StateRetries {
				e.logger.DebugContext(ctx, "contract state moved, re-evaluating",
					"contract", c.id, "attempt", attempt)
				continue
			}
			return d.deny(OutcomeStateConflict, ReasonStateConflict)
		}
		if err != nil {
			d.Err = err
			e.logger.ErrorContext(ctx, "settlement failed", "contract", c.id, "target", req.Target.ID, "error", err)
			return d.deny(OutcomeInternal, ReasonInternal)
		}
		return d
	}
}

// resolved is the contract that governs a request.
type resolved struct {
	id       string
	policy   contracts.Policy
	program  *executor.Program
	standing bool
	fallback bool
}

func (e *Engine) resolve(ctx context.Context, req Request, d *Decision) (resolved, bool) {
	id := req.Target.AccessContractID
	if id == "" {
		d.ContractID = contracts.DefaultPolicy.ID()
		return resolved{id: d.ContractID, policy: contracts.DefaultPolicy}, true
	}
	c, err := e.load(ctx, id)
	if errors.Is(err, artifacts.ErrNotFound) {
		return e.dangling(ctx, req, d, id)
	}
	d.ContractID = id
	return e.loaded(ctx, req, d, c, err)
}

func (e *Engine) load(ctx context.Context, id string) (resolved, error) {
	if e.cfg.FastPath {
		if p, ok := contracts.GenesisPolicy(id); ok {
			return resolved{id: id, policy: p}, nil
		}
	}
	a, err := e.store.Get(ctx, id)
	if err != nil {
		return resolved{id: id}, err
	}
	prog, err := e.exec.Load(ctx, a)
	if err != nil {
		return resolved{id: id}, fmt.Errorf("%w: %v", errLoad, err)
	}
	return resolved{id: id, program: prog, standing: a.HasStanding}, nil
}

var errLoad = errors.New("load contract")

// loaded turns the outcome of load into a usable contract or a denial.
func (e *Engine) loaded(ctx context.Context, req Request, d *Decision, c resolved, err error) (resolved, bool) {
	switch {
	case errors.Is(err, errLoad):
		e.contractError(ctx, req, d, c.id, err)
		return c, false
	case err != nil:
		d.Err = err
		e.logger.ErrorContext(ctx, "resolve access contract", "contract", c.id, "error", err)
		d.deny(OutcomeInternal, ReasonInternal)
		return c, false
	}
	if c.program != nil {
		if _, ok := c.program.Checker(); !ok {
			e.contractError(ctx, req, d, c.id, executor.ErrNotContract)
			d.Result.Reason = ReasonNotContract
			return c, false
		}
	}
	return c, true
}

func (e *Engine) dangling(ctx context.Context, req Request, d *Decision, missing string) (resolved, bool) {
	details := map[string]any{
		"contract": missing,
		"policy":   e.cfg.DanglingPolicy,
		"caller":   req.Caller,
	}
	if e.cfg.DanglingPolicy != config.DanglingFailOpen || e.cfg.DefaultOnMissing == "" || e.cfg.DefaultOnMissing == missing {
		e.logger.ErrorContext(ctx, "access contract missing, denying",
			"target", req.Target.ID, "contract", missing, "caller", req.Caller, "action", req.Action)
		e.record(ctx, audit.EventDanglingContract, req, details)
		d.ContractID = missing
		d.deny(OutcomeDangling, ReasonDangling)
		return resolved{}, false
	}

	details["fallback"] = e.cfg.DefaultOnMissing
	e.logger.ErrorContext(ctx, "access contract missing, using fallback contract",
		"target", req.Target.ID, "contract", missing, "fallback", e.cfg.DefaultOnMissing,
		"caller", req.Caller, "action", req.Action)
	e.record(ctx, audit.EventDanglingContract, req, details)

	d.Fallback = true
	d.ContractID = e.cfg.DefaultOnMissing
	c, err := e.load(ctx, e.cfg.DefaultOnMissing)
	if errors.Is(err, artifacts.ErrNotFound) {
		e.logger.ErrorContext(ctx, "fallback contract missing", "contract", e.cfg.DefaultOnMissing)
		d.deny(OutcomeDangling, ReasonDangling)
		return resolved{}, false
	}
	c.fallback = true
	return e.loaded(ctx, req, d, c, err)
}

func (e *Engine) contractError(ctx context.Context, req Request, d *Decision, contract string, err error) {
	d.Err = err
	e.logger.WarnContext(ctx, "contract execution error",
		"contract", contract, "target", req.Target.ID, "caller", req.Caller, "action", req.Action, "error", err)
	e.record(ctx, audit.EventContractError, req, map[string]any{
		"contract": contract,
		"error":    err.Error(),
	})
	d.deny(OutcomeContractError, executor.ReasonExecutionError)
}

func (e *Engine) invocation(req Request) contracts.InvocationContext {
	return contracts.InvocationContext{
		Caller:          req.Caller,
		Action:          req.Action,
		Target:          req.Target.ID,
		TargetCreatedBy: req.Target.Creator,
		TargetMetadata:  req.Target,
		Method:          req.Method,
		Args:            req.Args,
		Depth:           req.Depth,
	}
}

// evaluate runs the governing contract once.
func (e *Engine) evaluate(ctx context.Context, req Request, c resolved, d *Decision, dryRun bool) (contracts.PermissionResult, contracts.State, bool) {
	if c.program == nil {
		allowed, reason := c.policy.Decide(req.Caller, req.Action, req.Target.ID, req.Target.Creator)
		d.FastPath = true
		return contracts.PermissionResult{Allowed: allowed, Reason: reason}, contracts.State{}, true
	}

	var (
		key cacheKey
		gen uint64
		ttl time.Duration
	)
	if cp := req.Target.CachePolicy; cp != nil && cp.TTL > 0 {
		args, ok := argsDigest(req.Args)
		if ok {
			ttl = cp.TTL
			key = cacheKey{contract: c.id, caller: req.Caller, action: req.Action, target: req.Target.ID, method: req.Method, args: args}
		}
	}
	if ttl > 0 {
		if res, ok := e.cache.get(key, e.clock.Now()); ok {
			d.Cached = true
			return res, contracts.State{}, true
		}
		gen = e.cache.generation(c.id)
	}

	snapshot, err := e.state.Load(ctx, c.id)
	if err != nil {
		d.Err = err
		e.logger.ErrorContext(ctx, "load contract state", "contract", c.id, "error", err)
		d.deny(OutcomeInternal, ReasonInternal)
		return contracts.PermissionResult{}, snapshot, false
	}

	inv := e.invocation(req)
	host := e.hosts(c.program, inv)
	if dryRun {
		host = readOnlyHost{host}
	}
	start := time.Now()
	res, err := e.exec.CheckPermission(ctx, c.program, contracts.Call{
		Invocation: inv,
		State:      snapshot,
		Host:       host,
		Self:       c.id,
	})
	e.telemetry.RecordContract(ctx, string(c.program.Manifest.Runtime), time.Since(start), err != nil)
	if err != nil {
		e.contractError(ctx, req, d, c.id, err)
		return contracts.PermissionResult{}, snapshot, false
	}

	if ttl > 0 && cacheable(res) {
		e.cache.put(key, gen, res, e.clock.Now().Add(ttl))
	}
	return res, snapshot, true
}

// completePayers fills in default payers and the recipient, and checks that
// the contract only names payers it may charge: the caller, the target if it
// has standing, or the contract itself if it has standing.
func (e *Engine) completePayers(req Request, c resolved, res *contracts.PermissionResult) (string, bool) {
	if res.ScripCost < 0 {
		return ReasonInvalidCost, false
	}
	if res.ScripPayer == "" {
		res.ScripPayer = req.Caller
	}
	if res.ResourcePayer == "" {
		res.ResourcePayer = req.Caller
	}
	if res.ScripRecipient == "" {
		res.ScripRecipient = req.Target.Creator
		if res.ScripRecipient == artifacts.GenesisCreator {
			res.ScripRecipient = c.id
		}
	}
	if artifacts.IsReserved(res.ScripRecipient) {
		return ReasonInvalidRecipient, false
	}

	may := func(p string) bool {
		switch {
		case p == req.Caller:
			return true
		case p == req.Target.ID:
			return req.Target.HasStanding
		case p == c.id:
			return c.standing
		}
		return false
	}
	if !may(res.ScripPayer) || !may(res.ResourcePayer) {
		return ReasonUnauthorizedPayer, false
	}
	return "", true
}

func (e *Engine) commitLock(contract string) *sync.Mutex {
	mu, _ := e.commitLocks.LoadOrStore(contract, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// settle applies an allowed result. On success d is marked allowed and
// carries the Settlement. ErrStateConflict asks the caller to re-evaluate;
// nothing has been applied in that case.
func (e *Engine) settle(ctx context.Context, req Request, c resolved, d *Decision, snapshot contracts.State) error {
	res := d.Result
	s := &Settlement{
		engine:         e,
		Contract:       c.id,
		ScripPayer:     res.ScripPayer,
		ScripRecipient: res.ScripRecipient,
		ResourcePayer:  res.ResourcePayer,
	}

	updates := res.StateUpdates
	if len(updates) > 0 {
		mu := e.commitLock(c.id)
		mu.Lock()
		defer mu.Unlock()

		cur, err := e.state.Load(ctx, c.id)
		if err != nil {
			return fmt.Errorf("reload state: %w", err)
		}
		if cur.Version() != snapshot.Version() {
			return ErrStateConflict
		}
	}

	moveScrip := res.ScripCost > 0 && res.ScripPayer != res.ScripRecipient
	if moveScrip {
		bal, err := e.ledger.Balance(ctx, res.ScripPayer, e.cfg.ScripResource)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if bal < res.ScripCost {
			d.deny(OutcomeInsufficientFunds, ReasonInsufficientFunds)
			return nil
		}
	}

	if len(req.Charges) > 0 {
		denial, err := e.quota.Reserve(ctx, res.ResourcePayer, req.Charges...)
		if err != nil {
			return fmt.Errorf("reserve quota: %w", err)
		}
		if denial != nil {
			d.Denial = denial
			d.deny(OutcomeQuotaExceeded, ReasonQuotaExceeded)
			return nil
		}
		s.Charges = req.Charges
	}

	if moveScrip {
		ok, err := e.ledger.Transfer(ctx, res.ScripPayer, res.ScripRecipient, e.cfg.ScripResource, res.ScripCost)
		if err != nil || !ok {
			s.abort(ctx)
			if err != nil {
				return fmt.Errorf("transfer scrip: %w", err)
			}
			d.deny(OutcomeInsufficientFunds, ReasonInsufficientFunds)
			return nil
		}
		s.ScripCost = res.ScripCost
	}

	if len(updates) > 0 {
		next, err := e.state.Commit(ctx, c.id, snapshot.Version(), updates)
		if err != nil {
			s.abort(ctx)
			return err
		}
		s.undo = inverse(snapshot, updates)
		s.stateVersion = next.Version()
		e.cache.invalidate(c.id)
	}

	d.Outcome = OutcomeAllowed
	d.Settlement = s
	return nil
}

func (e *Engine) finish(ctx context.Context, req Request, d *Decision) {
	if d.Outcome != OutcomeAllowed {
		d.Result.Allowed = false
		d.Result.StateUpdates = nil
		d.Settlement = nil
	}
	h, err := canonicalize.Digest(struct {
		Caller   string `json:"caller"`
		Action   string `json:"action"`
		Target   string `json:"target"`
		Method   string `json:"method,omitempty"`
		Depth    int    `json:"depth"`
		Contract string `json:"contract"`
		Allowed  bool   `json:"allowed"`
		Reason   string `json:"reason"`
		Outcome  string `json:"outcome"`
	}{req.Caller, string(req.Action), req.Target.ID, req.Method, req.Depth, d.ContractID, d.Result.Allowed, d.Result.Reason, string(d.Outcome)})
	if err == nil {
		d.Hash = h
	}
	e.telemetry.RecordDecision(ctx, d.Allowed(), string(d.Outcome), d.FastPath)
	e.logger.DebugContext(ctx, "permission decision",
		"decision_id", d.ID, "caller", req.Caller, "action", req.Action, "target", req.Target.ID,
		"contract", d.ContractID, "outcome", d.Outcome, "reason", d.Result.Reason,
		"fast_path", d.FastPath, "cached", d.Cached)
}

func (e *Engine) record(ctx context.Context, typ audit.EventType, req Request, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["caller"] = req.Caller
	if _, err := e.audit.Record(ctx, typ, req.Target.ID, string(req.Action), details); err != nil {
		e.logger.ErrorContext(ctx, "audit record failed", "type", typ, "error", err)
	}
}
