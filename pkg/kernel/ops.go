package kernel

import (
	"context"
	"errors"
	"strings"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/executor"
	"github.com/Mindburn-Labs/agora/pkg/ledger"
	"github.com/Mindburn-Labs/agora/pkg/observability"
	"github.com/Mindburn-Labs/agora/pkg/permission"
	"github.com/Mindburn-Labs/agora/pkg/quota"
)

// reservedIDPrefix marks ids only bootstrap may create.
const reservedIDPrefix = "genesis_"

// actionCreate keys the creation charge in kernel.action_costs. Creation is
// not an action any contract governs.
const actionCreate contracts.Action = "create"

// Reasons for failures the kernel detects itself.
const (
	ReasonCallerRequired     = "caller is required"
	ReasonReservedPrincipal  = "reserved principals cannot act"
	ReasonReservedID         = "artifact id is reserved"
	ReasonNotFound           = "artifact not found"
	ReasonCollision          = "artifact already exists"
	ReasonContractRequired   = "access_contract_id is required"
	ReasonGenesisImmutable   = "genesis artifacts are immutable"
	ReasonArtifactReplaced   = "artifact changed during the permission check"
	ReasonNotExecutable      = "artifact is not executable"
	ReasonNoMethods          = "artifact exposes no methods"
	ReasonMethodRequired     = "method is required"
	ReasonEditEmpty          = "old text must not be empty"
	ReasonEditMissing        = "old text not found"
	ReasonEditAmbiguous      = "old text is not unique"
	ReasonInvalidAmount      = "amount must be positive"
	ReasonInvalidRecipient   = "invalid recipient"
	ReasonInsufficientFunds  = "insufficient balance"
	ReasonInsufficientQuota  = "insufficient transferable quota"
	ReasonUnknownResource    = "unknown resource"
	ReasonInternal           = "internal error"
	ReasonInvalidManifestFmt = "invalid manifest: "
)

// CreateRequest describes a new artifact.
type CreateRequest struct {
	ID               string                 `json:"id"`
	Content          []byte                 `json:"content"`
	AccessContractID string                 `json:"access_contract_id,omitempty"`
	HasStanding      bool                   `json:"has_standing,omitempty"`
	HasLoop          bool                   `json:"has_loop,omitempty"`
	CanExecute       bool                   `json:"can_execute,omitempty"`
	CachePolicy      *artifacts.CachePolicy `json:"cache_policy,omitempty"`
}

// QuotaView is a principal's standing on one resource.
type QuotaView struct {
	Resource  string     `json:"resource"`
	Kind      quota.Kind `json:"kind"`
	Quota     int64      `json:"quota"`
	Used      int64      `json:"used"`
	Available int64      `json:"available"`
}

func (k *Kernel) track(ctx context.Context, op, caller, target string) (context.Context, func(*ActionResult)) {
	ctx, done := k.telemetry.TrackOperation(ctx, "kernel."+op,
		observability.KernelOperation(op, caller, target, 0)...)
	return ctx, func(r *ActionResult) {
		if r.Code == CodeInternal {
			done(r.Err())
			return
		}
		done(nil)
	}
}

// admit rejects callers that may not act.
func admit(caller string) (ActionResult, bool) {
	switch {
	case caller == "":
		return fail(CodeInvalidRequest, ReasonCallerRequired), false
	case artifacts.IsReserved(caller):
		return fail(CodePermissionDenied, ReasonReservedPrincipal), false
	}
	return ActionResult{}, true
}

func (k *Kernel) internal(ctx context.Context, op string, err error) ActionResult {
	k.logger.ErrorContext(ctx, "kernel operation failed", "op", op, "error", err)
	return fail(CodeInternal, ReasonInternal)
}

func quotaExceeded(d *quota.Denial) ActionResult {
	r := fail(CodeQuotaExceeded, d.Error())
	r.RetryAfter = d.RetryAfter
	return r
}

func allowed(d *permission.Decision, data any) ActionResult {
	r := ok(data)
	r.DecisionID = d.ID
	return r
}

// charges are the renewable per-action costs.
func (k *Kernel) charges(a contracts.Action) []quota.Charge {
	if c := k.cfg.Kernel.ActionCosts[string(a)]; c > 0 {
		return []quota.Charge{{Resource: k.cfg.Kernel.CostResource, Amount: c}}
	}
	return nil
}

// target loads the artifact an action is aimed at.
func (k *Kernel) target(ctx context.Context, op, id string) (*artifacts.Artifact, ActionResult, bool) {
	nid, err := artifacts.NormalizeID(id)
	if err != nil {
		return nil, fail(CodeInvalidRequest, err.Error()), false
	}
	a, err := k.store.Get(ctx, nid)
	if errors.Is(err, artifacts.ErrNotFound) {
		return nil, fail(CodeNotFound, ReasonNotFound), false
	}
	if err != nil {
		return nil, k.internal(ctx, op, err), false
	}
	return a, ActionResult{}, true
}

// revert undoes the settlement of a decision whose action did not happen.
func (k *Kernel) revert(ctx context.Context, d *permission.Decision) {
	if err := d.Settlement.Revert(ctx); err != nil {
		k.logger.ErrorContext(ctx, "revert settlement", "decision_id", d.ID, "error", err)
	}
}

// validateManifest checks executable content before it is stored.
func (k *Kernel) validateManifest(ctx context.Context, id string, content []byte) (ActionResult, bool) {
	_, err := k.exec.Load(ctx, &artifacts.Artifact{
		Metadata: artifacts.Metadata{ID: id, CanExecute: true},
		Content:  content,
	})
	if err != nil {
		return fail(CodeInvalidRequest, ReasonInvalidManifestFmt+err.Error()), false
	}
	return ActionResult{}, true
}

// Create stores a new artifact owned by caller. Creation is not governed by
// any contract; it costs the create action charge and the content's disk
// bytes, both drawn from the caller.
func (k *Kernel) Create(ctx context.Context, caller string, req CreateRequest) (res ActionResult) {
	ctx, finish := k.track(ctx, "create", caller, req.ID)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	id, err := artifacts.NormalizeID(req.ID)
	if err != nil {
		return fail(CodeInvalidRequest, err.Error())
	}
	if strings.HasPrefix(id, reservedIDPrefix) || artifacts.IsReserved(id) {
		return fail(CodeInvalidRequest, ReasonReservedID)
	}
	contract := req.AccessContractID
	if contract == "" {
		if k.cfg.Contracts.RequireExplicit {
			return fail(CodeInvalidRequest, ReasonContractRequired)
		}
		contract = k.cfg.Contracts.DefaultContract
	}
	if req.CanExecute {
		if r, ok := k.validateManifest(ctx, id, req.Content); !ok {
			return r
		}
	}

	size := int64(len(req.Content))
	charges := k.charges(actionCreate)
	disk := k.cfg.Kernel.DiskResource
	chargedTo := ""
	if disk != "" {
		chargedTo = caller
		if size > 0 {
			charges = append(charges, quota.Charge{Resource: disk, Amount: size})
		}
	}
	denial, err := k.quota.Reserve(ctx, caller, charges...)
	if err != nil {
		return k.internal(ctx, "create", err)
	}
	if denial != nil {
		return quotaExceeded(denial)
	}

	now := k.clock.Now().UTC()
	a := &artifacts.Artifact{
		Metadata: artifacts.Metadata{
			ID:               id,
			Creator:          caller,
			CreatedAt:        now,
			UpdatedAt:        now,
			SizeBytes:        size,
			AccessContractID: contract,
			HasStanding:      req.HasStanding,
			HasLoop:          req.HasLoop,
			CanExecute:       req.CanExecute,
			CachePolicy:      req.CachePolicy,
			ChargedTo:        chargedTo,
		},
		Content: req.Content,
	}
	if err := k.store.Create(ctx, a); err != nil {
		k.release(ctx, chargedTo, size)
		if errors.Is(err, artifacts.ErrCollision) {
			return fail(CodeStorageCollision, ReasonCollision)
		}
		return k.internal(ctx, "create", err)
	}
	k.logger.DebugContext(ctx, "artifact created", "id", id, "creator", caller, "size", size)
	return ok(a.Metadata)
}

// Read returns the artifact, content included, if its contract allows.
func (k *Kernel) Read(ctx context.Context, caller, id string) (res ActionResult) {
	ctx, finish := k.track(ctx, "read", caller, id)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	a, r, ok := k.target(ctx, "read", id)
	if !ok {
		return r
	}
	d := k.engine.Check(ctx, permission.Request{
		Caller:  caller,
		Action:  contracts.ActionRead,
		Target:  a.Metadata,
		Charges: k.charges(contracts.ActionRead),
	})
	if !d.Allowed() {
		return denied(d)
	}
	return allowed(d, a)
}

// Write replaces the artifact's content.
func (k *Kernel) Write(ctx context.Context, caller, id string, content []byte) ActionResult {
	return k.mutate(ctx, caller, id, contracts.ActionWrite, func([]byte) ([]byte, string) {
		return content, ""
	})
}

// Edit replaces the single occurrence of oldText with newText. It fails if
// oldText is absent or occurs more than once.
func (k *Kernel) Edit(ctx context.Context, caller, id, oldText, newText string) ActionResult {
	return k.mutate(ctx, caller, id, contracts.ActionEdit, func(cur []byte) ([]byte, string) {
		if oldText == "" {
			return nil, ReasonEditEmpty
		}
		s := string(cur)
		switch strings.Count(s, oldText) {
		case 0:
			return nil, ReasonEditMissing
		case 1:
			return []byte(strings.Replace(s, oldText, newText, 1)), ""
		default:
			return nil, ReasonEditAmbiguous
		}
	})
}

// mutate applies a content change. The contract is consulted without the
// artifact's lock; the lock then covers only disk accounting and the store
// write, applied to the content current at that point. A later failure
// reverts the decision's settlement.
func (k *Kernel) mutate(ctx context.Context, caller, id string, action contracts.Action, change func([]byte) ([]byte, string)) (res ActionResult) {
	op := string(action)
	ctx, finish := k.track(ctx, op, caller, id)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	a, r, ok := k.target(ctx, op, id)
	if !ok {
		return r
	}
	if a.Creator == artifacts.GenesisCreator {
		return fail(CodePermissionDenied, ReasonGenesisImmutable)
	}

	d := k.engine.Check(ctx, permission.Request{
		Caller:  caller,
		Action:  action,
		Target:  a.Metadata,
		Charges: k.charges(action),
	})
	if !d.Allowed() {
		return denied(d)
	}

	cur, unlock, r, ok := k.relock(ctx, op, a, d)
	if !ok {
		return r
	}
	defer unlock()

	content, bad := change(cur.Content)
	if bad != "" {
		k.revert(ctx, d)
		return fail(CodeInvalidRequest, bad)
	}
	if cur.CanExecute {
		if r, ok := k.validateManifest(ctx, cur.ID, content); !ok {
			k.revert(ctx, d)
			return r
		}
	}

	mv := diskMove{from: cur.ChargedTo, fromSize: cur.SizeBytes, to: d.Result.ResourcePayer, toSize: int64(len(content))}
	if k.cfg.Kernel.DiskResource == "" {
		mv = diskMove{}
	}
	denial, err := k.applyDisk(ctx, mv)
	if err != nil || denial != nil {
		k.revert(ctx, d)
		if err != nil {
			return k.internal(ctx, op, err)
		}
		return quotaExceeded(denial)
	}

	next := cur.Clone()
	next.Content = content
	next.SizeBytes = int64(len(content))
	next.UpdatedAt = k.clock.Now().UTC()
	next.ChargedTo = mv.to
	if err := k.store.Put(ctx, next); err != nil {
		k.undoDisk(ctx, mv)
		k.revert(ctx, d)
		if errors.Is(err, artifacts.ErrNotFound) {
			return fail(CodeNotFound, ReasonNotFound)
		}
		return k.internal(ctx, op, err)
	}
	k.engine.Invalidate(cur.ID)
	return allowed(d, next.Metadata)
}

// relock takes the artifact's lock after a decision was made on a and
// reloads it. The decision stands only if the artifact was not replaced and
// is still governed the same way; otherwise it is reverted and the caller
// may retry.
func (k *Kernel) relock(ctx context.Context, op string, a *artifacts.Artifact, d *permission.Decision) (*artifacts.Artifact, func(), ActionResult, bool) {
	unlock := k.locks.lock(a.ID)
	cur, r, ok := k.target(ctx, op, a.ID)
	if !ok {
		unlock()
		k.revert(ctx, d)
		return nil, nil, r, false
	}
	if !cur.CreatedAt.Equal(a.CreatedAt) || cur.Creator != a.Creator ||
		cur.AccessContractID != a.AccessContractID || cur.CanExecute != a.CanExecute {
		unlock()
		k.revert(ctx, d)
		return nil, nil, fail(CodeStateConflict, ReasonArtifactReplaced), false
	}
	return cur, unlock, ActionResult{}, true
}

// Delete removes the artifact and releases its disk allocation.
func (k *Kernel) Delete(ctx context.Context, caller, id string) (res ActionResult) {
	ctx, finish := k.track(ctx, "delete", caller, id)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	a, r, ok := k.target(ctx, "delete", id)
	if !ok {
		return r
	}
	if a.Creator == artifacts.GenesisCreator {
		return fail(CodePermissionDenied, ReasonGenesisImmutable)
	}
	d := k.engine.Check(ctx, permission.Request{
		Caller:  caller,
		Action:  contracts.ActionDelete,
		Target:  a.Metadata,
		Charges: k.charges(contracts.ActionDelete),
	})
	if !d.Allowed() {
		return denied(d)
	}

	cur, unlock, r, ok := k.relock(ctx, "delete", a, d)
	if !ok {
		return r
	}
	defer unlock()
	if err := k.store.Delete(ctx, cur.ID); err != nil {
		k.revert(ctx, d)
		return k.internal(ctx, "delete", err)
	}
	k.release(ctx, cur.ChargedTo, cur.SizeBytes)
	k.engine.Invalidate(cur.ID)
	return allowed(d, cur.Metadata)
}

// Invoke calls a method of an executable artifact.
func (k *Kernel) Invoke(ctx context.Context, caller, id, method string, args []any) ActionResult {
	if r, ok := admit(caller); !ok {
		return r
	}
	return k.invoke(ctx, caller, id, method, args, 0)
}

// invoke is shared by top-level calls and by contract code calling through
// its host, one level deeper each time.
func (k *Kernel) invoke(ctx context.Context, caller, id, method string, args []any, depth int) (res ActionResult) {
	ctx, finish := k.track(ctx, "invoke", caller, id)
	defer func() { finish(&res) }()

	if method == "" {
		return fail(CodeInvalidRequest, ReasonMethodRequired)
	}
	a, r, ok := k.target(ctx, "invoke", id)
	if !ok {
		return r
	}
	if !a.CanExecute {
		return fail(CodeInvalidRequest, ReasonNotExecutable)
	}
	d := k.engine.Check(ctx, permission.Request{
		Caller:  caller,
		Action:  contracts.ActionInvoke,
		Target:  a.Metadata,
		Method:  method,
		Args:    args,
		Depth:   depth,
		Charges: k.charges(contracts.ActionInvoke),
	})
	if !d.Allowed() {
		return denied(d)
	}

	prog, err := k.exec.Load(ctx, a)
	if err != nil {
		k.revert(ctx, d)
		return k.methodFailed(ctx, a.ID, caller, method, err)
	}
	if _, ok := prog.Invocable(); !ok {
		k.revert(ctx, d)
		return fail(CodeInvalidRequest, ReasonNoMethods)
	}
	st, err := k.engine.LoadState(ctx, a.ID)
	if err != nil {
		k.revert(ctx, d)
		return k.internal(ctx, "invoke", err)
	}
	inv := contracts.InvocationContext{
		Caller:          caller,
		Action:          contracts.ActionInvoke,
		Target:          a.ID,
		TargetCreatedBy: a.Creator,
		TargetMetadata:  a.Metadata,
		Method:          method,
		Args:            args,
		Depth:           depth,
	}
	out, err := k.exec.Invoke(ctx, prog, contracts.Call{
		Invocation: inv,
		State:      st,
		Host:       k.hostFor(prog, inv),
		Self:       a.ID,
	})
	if err != nil {
		k.revert(ctx, d)
		var (
			kerr   *Error
			denial *quota.Denial
		)
		switch {
		case errors.As(err, &kerr):
			return kerr.Result
		case errors.As(err, &denial):
			return quotaExceeded(denial)
		}
		return k.methodFailed(ctx, a.ID, caller, method, err)
	}
	return allowed(d, out)
}

func (k *Kernel) methodFailed(ctx context.Context, id, caller, method string, err error) ActionResult {
	k.logger.WarnContext(ctx, "method execution error",
		"artifact", id, "caller", caller, "method", method, "error", err)
	if _, aerr := k.audit.Record(ctx, audit.EventContractError, id, string(contracts.ActionInvoke), map[string]any{
		"caller": caller,
		"method": method,
		"error":  err.Error(),
	}); aerr != nil {
		k.logger.ErrorContext(ctx, "audit record failed", "error", aerr)
	}
	return fail(CodeContractExecutionError, executor.ReasonExecutionError)
}

// Transfer moves caller's own funds to another principal.
func (k *Kernel) Transfer(ctx context.Context, caller, to, resource string, amount int64) (res ActionResult) {
	ctx, finish := k.track(ctx, "transfer", caller, to)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	if to == "" || to == caller || artifacts.IsReserved(to) {
		return fail(CodeInvalidRequest, ReasonInvalidRecipient)
	}
	if amount <= 0 {
		return fail(CodeInvalidRequest, ReasonInvalidAmount)
	}
	if resource == "" {
		resource = k.cfg.Kernel.ScripResource
	}
	moved, err := k.ledger.Transfer(ctx, caller, to, resource, amount)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fail(CodeInvalidRequest, ReasonInvalidAmount)
	case err != nil:
		return k.internal(ctx, "transfer", err)
	case !moved:
		return fail(CodeInsufficientFunds, ReasonInsufficientFunds)
	}
	return ok(map[string]any{"from": caller, "to": to, "resource": resource, "amount": amount})
}

// TransferQuota gives part of caller's quota to another principal.
func (k *Kernel) TransferQuota(ctx context.Context, caller, to, resource string, amount int64) (res ActionResult) {
	ctx, finish := k.track(ctx, "transfer_quota", caller, to)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	if to == "" || to == caller || artifacts.IsReserved(to) {
		return fail(CodeInvalidRequest, ReasonInvalidRecipient)
	}
	if amount <= 0 {
		return fail(CodeInvalidRequest, ReasonInvalidAmount)
	}
	moved, err := k.quota.TransferQuota(ctx, caller, to, resource, amount)
	switch {
	case errors.Is(err, quota.ErrUnknownResource):
		return fail(CodeInvalidRequest, ReasonUnknownResource)
	case errors.Is(err, quota.ErrInvalidAmount):
		return fail(CodeInvalidRequest, ReasonInvalidAmount)
	case err != nil:
		return k.internal(ctx, "transfer_quota", err)
	case !moved:
		return fail(CodeInsufficientFunds, ReasonInsufficientQuota)
	}
	return ok(map[string]any{"from": caller, "to": to, "resource": resource, "amount": amount})
}

// Balance reports principal's holding of resource, or all holdings when
// resource is empty. It is free and unchecked.
func (k *Kernel) Balance(ctx context.Context, principal, resource string) ActionResult {
	if principal == "" {
		return fail(CodeInvalidRequest, ReasonCallerRequired)
	}
	if resource == "" {
		all, err := k.ledger.Balances(ctx, principal)
		if err != nil {
			return k.internal(ctx, "balance", err)
		}
		return ok(all)
	}
	b, err := k.ledger.Balance(ctx, principal, resource)
	if err != nil {
		return k.internal(ctx, "balance", err)
	}
	return ok(b)
}

// Quota reports principal's quota, current usage and headroom.
func (k *Kernel) Quota(ctx context.Context, principal, resource string) ActionResult {
	if principal == "" {
		return fail(CodeInvalidRequest, ReasonCallerRequired)
	}
	spec, found := k.quota.Spec(resource)
	if !found {
		return fail(CodeInvalidRequest, ReasonUnknownResource)
	}
	q, err := k.quota.GetQuota(ctx, principal, resource)
	if err != nil {
		return k.internal(ctx, "quota", err)
	}
	used, err := k.quota.UsageInWindow(ctx, principal, resource)
	if err != nil {
		return k.internal(ctx, "quota", err)
	}
	avail, err := k.quota.AvailableCapacity(ctx, principal, resource)
	if err != nil {
		return k.internal(ctx, "quota", err)
	}
	return ok(QuotaView{Resource: resource, Kind: spec.Kind, Quota: q, Used: used, Available: avail})
}

// Metadata is free: anyone may learn an artifact's metadata.
func (k *Kernel) Metadata(ctx context.Context, id string) ActionResult {
	a, r, found := k.target(ctx, "metadata", id)
	if !found {
		return r
	}
	return ok(a.Metadata)
}

// Verdict is the dry-run answer to "may caller do this".
type Verdict struct {
	Allowed    bool   `json:"allowed"`
	Code       Code   `json:"code"`
	Reason     string `json:"reason"`
	ContractID string `json:"contract_id"`
	ScripCost  int64  `json:"scrip_cost,omitempty"`
	ScripPayer string `json:"scrip_payer,omitempty"`
	FastPath   bool   `json:"fast_path"`
	Fallback   bool   `json:"fallback,omitempty"`
	Hash       string `json:"hash"`
}

// Evaluate asks the target's contract about an action without performing
// it. Nothing is charged and no contract state changes. A denial is a
// successful evaluation; only internal failures are errors.
func (k *Kernel) Evaluate(ctx context.Context, caller, id string, action contracts.Action, method string) (res ActionResult) {
	ctx, finish := k.track(ctx, "evaluate", caller, id)
	defer func() { finish(&res) }()

	if r, ok := admit(caller); !ok {
		return r
	}
	if !action.Valid() {
		return fail(CodeInvalidRequest, permission.ReasonUnknownAction)
	}
	a, r, ok := k.target(ctx, "evaluate", id)
	if !ok {
		return r
	}
	d := k.engine.Evaluate(ctx, permission.Request{
		Caller: caller,
		Action: action,
		Target: a.Metadata,
		Method: method,
	})
	if d.Outcome == permission.OutcomeInternal {
		return k.internal(ctx, "evaluate", d.Err)
	}
	return allowed(d, Verdict{
		Allowed:    d.Allowed(),
		Code:       CodeFor(d.Outcome),
		Reason:     d.Result.Reason,
		ContractID: d.ContractID,
		ScripCost:  d.Result.ScripCost,
		ScripPayer: d.Result.ScripPayer,
		FastPath:   d.FastPath,
		Fallback:   d.Fallback,
		Hash:       d.Hash,
	})
}

// Journal returns up to limit recent ledger entries.
func (k *Kernel) Journal(ctx context.Context, limit int) ActionResult {
	entries, err := k.ledger.Entries(ctx, limit)
	if err != nil {
		return k.internal(ctx, "journal", err)
	}
	return ok(entries)
}

// Events returns operator events matching f.
func (k *Kernel) Events(f audit.Filter) ActionResult {
	return ok(k.audit.Query(f))
}

// diskMove moves an artifact's disk allocation from one principal's
// account to another's, or resizes it in place.
type diskMove struct {
	from     string
	fromSize int64
	to       string
	toSize   int64
}

func (k *Kernel) applyDisk(ctx context.Context, m diskMove) (*quota.Denial, error) {
	disk := k.cfg.Kernel.DiskResource
	if disk == "" || m.to == "" {
		return nil, nil
	}
	if m.from == m.to {
		delta := m.toSize - m.fromSize
		if delta < 0 {
			return nil, k.quota.Release(ctx, m.from, disk, -delta)
		}
		return k.quota.Reserve(ctx, m.to, quota.Charge{Resource: disk, Amount: delta})
	}
	denial, err := k.quota.Reserve(ctx, m.to, quota.Charge{Resource: disk, Amount: m.toSize})
	if err != nil || denial != nil {
		return denial, err
	}
	k.release(ctx, m.from, m.fromSize)
	return nil, nil
}

// undoDisk reverses an applied move. Capacity freed by the move is
// reclaimed; if that no longer fits, the residue is logged.
func (k *Kernel) undoDisk(ctx context.Context, m diskMove) {
	disk := k.cfg.Kernel.DiskResource
	if disk == "" || m.to == "" {
		return
	}
	if m.from == m.to {
		delta := m.toSize - m.fromSize
		if delta > 0 {
			k.release(ctx, m.to, delta)
		} else {
			k.reclaim(ctx, m.from, -delta)
		}
		return
	}
	k.release(ctx, m.to, m.toSize)
	k.reclaim(ctx, m.from, m.fromSize)
}

func (k *Kernel) release(ctx context.Context, principal string, size int64) {
	disk := k.cfg.Kernel.DiskResource
	if disk == "" || principal == "" || size <= 0 {
		return
	}
	if err := k.quota.Release(ctx, principal, disk, size); err != nil {
		k.logger.ErrorContext(ctx, "release disk", "principal", principal, "bytes", size, "error", err)
	}
}

func (k *Kernel) reclaim(ctx context.Context, principal string, size int64) {
	if principal == "" || size <= 0 {
		return
	}
	denial, err := k.quota.Reserve(ctx, principal, quota.Charge{Resource: k.cfg.Kernel.DiskResource, Amount: size})
	if err != nil || denial != nil {
		k.logger.ErrorContext(ctx, "reclaim disk after failed write",
			"principal", principal, "bytes", size, "denial", denial, "error", err)
	}
}
