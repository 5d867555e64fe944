package kernel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
	"github.com/Mindburn-Labs/agora/pkg/audit"
	"github.com/Mindburn-Labs/agora/pkg/canonicalize"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
)

// SeedID is the genesis artifact recording the initial endowment. Its
// presence marks a world as already seeded.
const SeedID = "genesis_seed"

// bootstrap creates the genesis contracts, seeds configured principals on
// first start, and rebuilds disk allocations from storage. No permission
// checks run here.
func (k *Kernel) bootstrap(ctx context.Context, g *genesisWriter) error {
	created := 0
	for _, p := range contracts.Policies() {
		ok, err := g.create(ctx, &artifacts.Artifact{
			Metadata: artifacts.Metadata{
				ID:               p.ID(),
				AccessContractID: p.ID(),
				CanExecute:       true,
			},
			Content: contracts.GenesisManifest(p),
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", p.ID(), err)
		}
		if ok {
			created++
		}
	}

	seeded, err := k.seed(ctx, g)
	if err != nil {
		return err
	}

	restored, err := k.restoreDisk(ctx)
	if err != nil {
		return err
	}

	k.logger.InfoContext(ctx, "bootstrap complete",
		"contracts_created", created, "seeded", seeded, "disk_principals", restored)
	if _, err := k.audit.Record(ctx, audit.EventBootstrap, SeedID, "bootstrap", map[string]any{
		"contracts_created": created,
		"seeded":            seeded,
		"disk_principals":   restored,
	}); err != nil {
		k.logger.ErrorContext(ctx, "audit record failed", "error", err)
	}
	return nil
}

// seed credits balances and assigns quotas to the configured principals.
// The seed artifact is written last and marks the world as seeded. Until it
// exists no operation has run, so a start that failed part way is finished
// by topping balances up to their endowment and re-assigning quotas.
func (k *Kernel) seed(ctx context.Context, g *genesisWriter) (bool, error) {
	principals := k.cfg.Genesis.Principals
	for _, p := range principals {
		if p.ID == "" || artifacts.IsReserved(p.ID) {
			return false, fmt.Errorf("genesis principal %q is not a valid principal", p.ID)
		}
	}
	done, err := k.store.Exists(ctx, SeedID)
	if err != nil {
		return false, fmt.Errorf("check %s: %w", SeedID, err)
	}
	if done {
		return false, nil
	}
	content, err := canonicalize.JCS(principals)
	if err != nil {
		return false, fmt.Errorf("encode seed: %w", err)
	}

	for _, p := range principals {
		for resource, amount := range p.Balances {
			if amount <= 0 {
				continue
			}
			have, err := k.ledger.Balance(ctx, p.ID, resource)
			if err != nil {
				return false, fmt.Errorf("balance %s %s: %w", p.ID, resource, err)
			}
			if have >= amount {
				continue
			}
			if err := k.ledger.Credit(ctx, p.ID, resource, amount-have); err != nil {
				return false, fmt.Errorf("credit %s %s: %w", p.ID, resource, err)
			}
		}
		for resource, amount := range p.Quotas {
			if err := k.quota.SetQuota(ctx, p.ID, resource, amount); err != nil {
				return false, fmt.Errorf("quota %s %s: %w", p.ID, resource, err)
			}
		}
	}

	fresh, err := g.create(ctx, &artifacts.Artifact{
		Metadata: artifacts.Metadata{ID: SeedID, AccessContractID: contracts.FreewareID},
		Content:  content,
	})
	if err != nil {
		return false, fmt.Errorf("create %s: %w", SeedID, err)
	}
	return fresh, nil
}

// restoreDisk recomputes allocatable disk usage from stored artifacts, so
// allocations survive a restart even with an in-memory quota backend.
func (k *Kernel) restoreDisk(ctx context.Context) (int, error) {
	disk := k.cfg.Kernel.DiskResource
	if disk == "" {
		return 0, nil
	}
	all, err := k.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list artifacts: %w", err)
	}
	used := make(map[string]int64)
	for _, md := range all {
		if md.ChargedTo != "" && md.SizeBytes > 0 {
			used[md.ChargedTo] += md.SizeBytes
		}
	}
	if err := k.quota.RestoreAllocations(ctx, disk, used); err != nil {
		return 0, fmt.Errorf("restore %s allocations: %w", disk, err)
	}
	return len(used), nil
}
