package quota

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/clock"
)

// Tracker enforces quotas. Each resource has a lock: draws take it shared
// (the backend makes them atomic among themselves) while quota changes take
// it exclusively so a draw never races a shrinking limit.
type Tracker struct {
	specs   map[string]ResourceSpec
	backend Backend
	assign  Assignments
	clock   clock.Clock
	locks   map[string]*sync.RWMutex
}

func NewTracker(specs []ResourceSpec, backend Backend, assign Assignments, c clock.Clock) (*Tracker, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if assign == nil {
		assign = NewMemoryAssignments()
	}
	if c == nil {
		c = clock.Real()
	}
	t := &Tracker{
		specs:   make(map[string]ResourceSpec, len(specs)),
		backend: backend,
		assign:  assign,
		clock:   c,
		locks:   make(map[string]*sync.RWMutex, len(specs)),
	}
	for _, s := range specs {
		if _, dup := t.specs[s.Name]; dup {
			return nil, fmt.Errorf("quota: duplicate resource %q", s.Name)
		}
		if s.Kind == Renewable && s.Window <= 0 {
			return nil, fmt.Errorf("quota: renewable resource %q needs a window", s.Name)
		}
		t.specs[s.Name] = s
		t.locks[s.Name] = &sync.RWMutex{}
	}
	return t, nil
}

func (t *Tracker) Spec(resource string) (ResourceSpec, bool) {
	s, ok := t.specs[resource]
	return s, ok
}

// Specs returns declared resources sorted by name.
func (t *Tracker) Specs() []ResourceSpec {
	out := make([]ResourceSpec, 0, len(t.specs))
	for _, s := range t.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *Tracker) spec(resource string) (ResourceSpec, error) {
	s, ok := t.specs[resource]
	if !ok {
		return ResourceSpec{}, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	return s, nil
}

func (t *Tracker) GetQuota(ctx context.Context, principal, resource string) (int64, error) {
	if _, err := t.spec(resource); err != nil {
		return 0, err
	}
	return t.assign.Get(ctx, principal, resource)
}

func (t *Tracker) Quotas(ctx context.Context, principal string) (map[string]int64, error) {
	return t.assign.All(ctx, principal)
}

func (t *Tracker) SetQuota(ctx context.Context, principal, resource string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if principal == AggregateKey {
		return ErrReservedKey
	}
	if _, err := t.spec(resource); err != nil {
		return err
	}
	mu := t.locks[resource]
	mu.Lock()
	defer mu.Unlock()
	return t.assign.Set(ctx, principal, resource, amount)
}

// TransferQuota moves quota between principals. The sender keeps enough
// quota to cover its current usage: allocated capacity for allocatable
// resources, in-window draws for renewable ones. Spent rate cannot be handed
// on to start a fresh window elsewhere.
func (t *Tracker) TransferQuota(ctx context.Context, from, to, resource string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	if from == AggregateKey || to == AggregateKey {
		return false, ErrReservedKey
	}
	spec, err := t.spec(resource)
	if err != nil {
		return false, err
	}
	if amount == 0 || from == to {
		q, err := t.assign.Get(ctx, from, resource)
		return err == nil && q >= amount, err
	}

	mu := t.locks[resource]
	mu.Lock()
	defer mu.Unlock()

	keep, err := t.backend.Usage(ctx, from, spec, t.clock.Now())
	if err != nil {
		return false, err
	}
	return t.assign.Transfer(ctx, from, to, resource, amount, keep)
}

// UsageInWindow is the principal's current consumption: the rolling-window
// sum for renewable resources, the allocation for allocatable ones.
func (t *Tracker) UsageInWindow(ctx context.Context, principal, resource string) (int64, error) {
	spec, err := t.spec(resource)
	if err != nil {
		return 0, err
	}
	return t.backend.Usage(ctx, principal, spec, t.clock.Now())
}

// AvailableCapacity is how much the principal could draw right now.
func (t *Tracker) AvailableCapacity(ctx context.Context, principal, resource string) (int64, error) {
	spec, err := t.spec(resource)
	if err != nil {
		return 0, err
	}
	now := t.clock.Now()
	q, err := t.assign.Get(ctx, principal, resource)
	if err != nil {
		return 0, err
	}
	used, err := t.backend.Usage(ctx, principal, spec, now)
	if err != nil {
		return 0, err
	}
	avail := q - used
	if spec.Ceiling > 0 {
		agg, err := t.backend.Usage(ctx, AggregateKey, spec, now)
		if err != nil {
			return 0, err
		}
		if room := spec.Ceiling - agg; room < avail {
			avail = room
		}
	}
	if avail < 0 {
		avail = 0
	}
	return avail, nil
}

// CanUse reports whether amount would be admitted now. It records nothing.
func (t *Tracker) CanUse(ctx context.Context, principal, resource string, amount int64) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	avail, err := t.AvailableCapacity(ctx, principal, resource)
	if err != nil {
		return false, err
	}
	return amount <= avail, nil
}

// UseQuota draws amount of one resource. A refused draw records nothing.
func (t *Tracker) UseQuota(ctx context.Context, principal, resource string, amount int64) (bool, error) {
	d, err := t.Reserve(ctx, principal, Charge{Resource: resource, Amount: amount})
	if err != nil {
		return false, err
	}
	return d == nil, nil
}

// Reserve draws every charge for principal atomically, checking each
// against the principal's quota and the resource's provider ceiling. It
// returns a Denial, with nothing recorded, if any charge does not fit.
func (t *Tracker) Reserve(ctx context.Context, principal string, charges ...Charge) (*Denial, error) {
	if principal == AggregateKey {
		return nil, ErrReservedKey
	}
	merged := make(map[string]int64, len(charges))
	for _, c := range charges {
		if c.Amount < 0 {
			return nil, ErrInvalidAmount
		}
		if _, err := t.spec(c.Resource); err != nil {
			return nil, err
		}
		if c.Amount > 0 {
			merged[c.Resource] += c.Amount
		}
	}
	if len(merged) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(merged))
	for r := range merged {
		names = append(names, r)
	}
	sort.Strings(names)
	for _, r := range names {
		mu := t.locks[r]
		mu.RLock()
		defer mu.RUnlock()
	}

	rs := make([]Reservation, 0, 2*len(names))
	for _, r := range names {
		spec := t.specs[r]
		q, err := t.assign.Get(ctx, principal, r)
		if err != nil {
			return nil, err
		}
		rs = append(rs, Reservation{Key: principal, Spec: spec, Amount: merged[r], Limit: q})
		if spec.Ceiling > 0 {
			rs = append(rs, Reservation{Key: AggregateKey, Spec: spec, Amount: merged[r], Limit: spec.Ceiling})
		}
	}

	now := t.clock.Now()
	ok, failed, err := t.backend.Reserve(ctx, now, rs)
	if err != nil {
		return nil, err
	}
	if ok {
		return nil, nil
	}
	if failed < 0 || failed >= len(rs) {
		return nil, fmt.Errorf("quota: backend reported denial without a cause")
	}
	return t.denial(ctx, rs[failed], now)
}

func (t *Tracker) denial(ctx context.Context, r Reservation, now time.Time) (*Denial, error) {
	used, err := t.backend.Usage(ctx, r.Key, r.Spec, now)
	if err != nil {
		return nil, err
	}
	d := &Denial{
		Resource:  r.Spec.Name,
		Principal: r.Key,
		Requested: r.Amount,
		Available: max(r.Limit-used, 0),
	}
	if r.Spec.Kind == Renewable {
		uses, err := t.backend.Uses(ctx, r.Key, r.Spec, now)
		if err != nil {
			return nil, err
		}
		d.RetryAfter = retryAfter(uses, r.Spec.Window, now, r.Limit, r.Amount)
	}
	return d, nil
}

// Release returns allocated capacity, e.g. when an artifact is deleted.
func (t *Tracker) Release(ctx context.Context, principal, resource string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	spec, err := t.spec(resource)
	if err != nil {
		return err
	}
	if spec.Kind != Allocatable {
		return ErrNotAllocatable
	}
	if amount == 0 {
		return nil
	}
	if err := t.backend.Release(ctx, principal, spec, amount); err != nil {
		return err
	}
	if spec.Ceiling > 0 {
		return t.backend.Release(ctx, AggregateKey, spec, amount)
	}
	return nil
}

// RestoreAllocations resets allocatable usage to the given per-principal
// totals. The kernel calls it at startup with sizes recomputed from storage.
func (t *Tracker) RestoreAllocations(ctx context.Context, resource string, byPrincipal map[string]int64) error {
	spec, err := t.spec(resource)
	if err != nil {
		return err
	}
	if spec.Kind != Allocatable {
		return ErrNotAllocatable
	}
	mu := t.locks[resource]
	mu.Lock()
	defer mu.Unlock()

	var total int64
	for p, amt := range byPrincipal {
		if err := t.backend.SetAllocated(ctx, p, spec, amt); err != nil {
			return err
		}
		total += amt
	}
	return t.backend.SetAllocated(ctx, AggregateKey, spec, total)
}

// Wait blocks until amount can be drawn and then draws it, or until ctx is
// done. Allocatable resources never free themselves, so Wait on one fails
// immediately when the draw does not fit.
func (t *Tracker) Wait(ctx context.Context, principal, resource string, amount int64) error {
	for {
		d, err := t.Reserve(ctx, principal, Charge{Resource: resource, Amount: amount})
		if err != nil {
			return err
		}
		if d == nil {
			return nil
		}
		if d.RetryAfter <= 0 {
			return d
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(d.RetryAfter):
		}
	}
}
