package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/ledger"
	"github.com/Mindburn-Labs/agora/pkg/quota"
)

// Settlement records what an allowed decision applied.
//
// The kernel reverts it when the storage mutation the decision authorized
// fails. Allocatable charges are released; renewable draws stay consumed
// because the window cannot be rewound.
type Settlement struct {
	engine *Engine

	Contract       string
	ScripPayer     string
	ScripRecipient string
	ScripCost      int64 // moved from payer to recipient; zero if nothing moved
	ResourcePayer  string
	Charges        []quota.Charge

	undo         map[string]any
	stateVersion int64
	reverted     bool
}

// Revert undoes the settlement. It is safe to call more than once. A
// failure is logged, recorded in the audit log and returned; whatever
// could be undone has been.
func (s *Settlement) Revert(ctx context.Context) error {
	if s == nil || s.reverted {
		return nil
	}
	s.reverted = true
	e := s.engine

	var errs []error
	if s.stateVersion > 0 {
		mu := e.commitLock(s.Contract)
		mu.Lock()
		_, err := e.state.Commit(ctx, s.Contract, s.stateVersion, s.undo)
		mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("restore state of %s: %w", s.Contract, err))
		}
		e.cache.invalidate(s.Contract)
	}
	errs = append(errs, s.refund(ctx)...)

	err := errors.Join(errs...)
	if err != nil {
		e.logger.ErrorContext(ctx, "settlement compensation failed",
			"contract", s.Contract, "payer", s.ScripPayer, "recipient", s.ScripRecipient,
			"amount", s.ScripCost, "error", err)
		if _, aerr := e.audit.Record(ctx, audit.EventSettlementCompensation, s.Contract, "revert", map[string]any{
			"scrip_payer":     s.ScripPayer,
			"scrip_recipient": s.ScripRecipient,
			"scrip_cost":      s.ScripCost,
			"resource_payer":  s.ResourcePayer,
			"error":           err.Error(),
		}); aerr != nil {
			e.logger.ErrorContext(ctx, "audit record failed", "error", aerr)
		}
	}
	return err
}

// refund returns scrip and allocatable capacity.
func (s *Settlement) refund(ctx context.Context) []error {
	e := s.engine
	var errs []error
	if s.ScripCost > 0 {
		ok, err := e.ledger.Transfer(ctx, s.ScripRecipient, s.ScripPayer, e.cfg.ScripResource, s.ScripCost)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("return scrip: %w", err))
		case !ok:
			errs = append(errs, fmt.Errorf("return scrip: %s no longer holds %d", s.ScripRecipient, s.ScripCost))
		default:
			s.ScripCost = 0
		}
	}
	for _, c := range s.Charges {
		spec, ok := e.quota.Spec(c.Resource)
		if !ok || spec.Kind != quota.Allocatable {
			continue
		}
		if err := e.quota.Release(ctx, s.ResourcePayer, c.Resource, c.Amount); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", c.Resource, err))
		}
	}
	s.Charges = nil
	return errs
}

// inverse is the diff that takes the state after updates back to before.
func inverse(before contracts.State, updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates))
	for k := range updates {
		if v, ok := before.Get(k); ok {
			out[k] = v
		} else {
			out[k] = nil
		}
	}
	return out
}

var ErrReadOnly = errors.New("permission: host is read-only during evaluation")

// baseHost serves the free, unchecked parts of the host API.
type baseHost struct {
	store  artifacts.Store
	ledger ledger.Ledger
	clock  clock.Clock
}

func (h *baseHost) Invoke(context.Context, string, string, []any) (any, error) {
	return nil, ErrReadOnly
}

func (h *baseHost) Metadata(ctx context.Context, id string) (artifacts.Metadata, error) {
	a, err := h.store.Get(ctx, id)
	if err != nil {
		return artifacts.Metadata{}, err
	}
	return a.Metadata, nil
}

func (h *baseHost) Balance(ctx context.Context, principal, resource string) (int64, error) {
	return h.ledger.Balance(ctx, principal, resource)
}

func (h *baseHost) Now() time.Time { return h.clock.Now() }

func (h *baseHost) Judge(context.Context, string) (string, error) {
	return "", ErrReadOnly
}

// readOnlyHost blocks the calls that have effects.
type readOnlyHost struct {
	contracts.Host
}

func (readOnlyHost) Invoke(context.Context, string, string, []any) (any, error) {
	return nil, ErrReadOnly
}

func (readOnlyHost) Judge(context.Context, string) (string, error) {
	return "", ErrReadOnly
}

// abort undoes a settlement that never completed.
func (s *Settlement) abort(ctx context.Context) {
	if err := errors.Join(s.refund(ctx)...); err != nil {
		s.engine.logger.ErrorContext(ctx, "abandoned settlement left residue", "contract", s.Contract, "error", err)
	}
}
