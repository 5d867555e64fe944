package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/executor"
	"github.com/Mindburn-Labs/agora/pkg/quota"
)

var (
	ErrJudgmentUndeclared = errors.New("kernel: manifest does not declare uses_judgment")
	ErrPayerNoStanding    = errors.New("kernel: judgment payer has no standing")
)

// host is the kernel surface seen by one execution of contract code.
type host struct {
	k        *Kernel
	self     string
	manifest *contracts.Manifest
	inv      contracts.InvocationContext
}

func (k *Kernel) hostFor(prog *executor.Program, inv contracts.InvocationContext) contracts.Host {
	return &host{k: k, self: prog.ArtifactID, manifest: prog.Manifest, inv: inv}
}

// Invoke acts as the executing artifact, one level deeper than the code
// that is running. Once the calling contract's deadline has passed its
// result is discarded, so nothing further may be settled on its behalf.
func (h *host) Invoke(ctx context.Context, target, method string, args []any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r := h.k.invoke(ctx, h.self, target, method, args, h.inv.Depth+1)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return r.Data, nil
}

func (h *host) Metadata(ctx context.Context, id string) (artifacts.Metadata, error) {
	r := h.k.Metadata(ctx, id)
	if err := r.Err(); err != nil {
		return artifacts.Metadata{}, err
	}
	return r.Data.(artifacts.Metadata), nil
}

func (h *host) Balance(ctx context.Context, principal, resource string) (int64, error) {
	return h.k.ledger.Balance(ctx, principal, resource)
}

func (h *host) Now() time.Time { return h.k.clock.Now() }

// Judge bills the manifest's designated payer before asking the judgment
// service. The charge is not refunded if the service fails.
func (h *host) Judge(ctx context.Context, prompt string) (string, error) {
	if h.manifest == nil || !h.manifest.UsesJudgment {
		return "", ErrJudgmentUndeclared
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payer, err := h.judgmentPayer(ctx)
	if err != nil {
		return "", err
	}
	cfg := h.k.cfg.Judge
	if cfg.Cost > 0 {
		denial, err := h.k.quota.Reserve(ctx, payer, quota.Charge{Resource: cfg.Resource, Amount: cfg.Cost})
		if err != nil {
			return "", fmt.Errorf("kernel: bill judgment: %w", err)
		}
		if denial != nil {
			return "", denial
		}
	}
	verdict, err := h.k.judge.Judge(ctx, prompt)
	if err != nil {
		h.k.logger.WarnContext(ctx, "judgment failed", "artifact", h.self, "payer", payer, "error", err)
		return "", err
	}
	return verdict, nil
}

func (h *host) judgmentPayer(ctx context.Context) (string, error) {
	var id string
	switch h.manifest.Payer() {
	case contracts.PayerCaller:
		return h.inv.Caller, nil
	case contracts.PayerContract:
		id = h.self
	case contracts.PayerTarget:
		id = h.inv.Target
	default:
		return "", fmt.Errorf("kernel: unknown judgment payer %q", h.manifest.Payer())
	}
	md, err := h.Metadata(ctx, id)
	if err != nil {
		return "", err
	}
	if !md.HasStanding {
		return "", ErrPayerNoStanding
	}
	return id, nil
}
