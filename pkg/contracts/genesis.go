package contracts

import (
	"context"
	"encoding/json"
)

// Genesis contract ids. Bootstrap creates each as a self-governed artifact
// owned by artifacts.GenesisCreator.
const (
	FreewareID  = "genesis_contract_freeware"
	PrivateID   = "genesis_contract_private"
	PublicID    = "genesis_contract_public"
	SelfOwnedID = "genesis_contract_self_owned"
)

// Denial reasons are constants so the fast path never allocates.
const (
	ReasonCreatorOnly   = "creator-only modification"
	ReasonPrivate       = "private: creator only"
	ReasonSelfOwnedOnly = "self-owned: only the artifact or its creator"
	ReasonOpen          = "open access"
	ReasonCreator       = "creator access"
	ReasonSelf          = "self access"
)

// Policy is one of the deterministic genesis policies. It is evaluated
// natively, with no state and no cost, so the permission engine may answer
// for it without running the executor.
type Policy uint8

const (
	PolicyNone Policy = iota
	PolicyFreeware
	PolicyPrivate
	PolicyPublic
	PolicySelfOwned
)

// DefaultPolicy governs artifacts that have no contract at all: the creator
// has full rights and everyone else is denied.
const DefaultPolicy = PolicyPrivate

var policyNames = [...]string{
	PolicyNone:      "",
	PolicyFreeware:  "freeware",
	PolicyPrivate:   "private",
	PolicyPublic:    "public",
	PolicySelfOwned: "self_owned",
}

func (p Policy) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return ""
}

// ID returns the genesis artifact id that carries p.
func (p Policy) ID() string {
	switch p {
	case PolicyFreeware:
		return FreewareID
	case PolicyPrivate:
		return PrivateID
	case PolicyPublic:
		return PublicID
	case PolicySelfOwned:
		return SelfOwnedID
	}
	return ""
}

// GenesisPolicy maps a contract id to its genesis policy.
func GenesisPolicy(contractID string) (Policy, bool) {
	switch contractID {
	case FreewareID:
		return PolicyFreeware, true
	case PrivateID:
		return PolicyPrivate, true
	case PublicID:
		return PolicyPublic, true
	case SelfOwnedID:
		return PolicySelfOwned, true
	}
	return PolicyNone, false
}

// PolicyByName maps a native program name to its genesis policy.
func PolicyByName(name string) (Policy, bool) {
	for i, n := range policyNames {
		if i > 0 && n == name {
			return Policy(i), true
		}
	}
	return PolicyNone, false
}

// Decide evaluates p. It allocates nothing.
func (p Policy) Decide(caller string, action Action, target, creator string) (bool, string) {
	switch p {
	case PolicyPublic:
		return true, ReasonOpen
	case PolicyFreeware:
		if caller == creator {
			return true, ReasonCreator
		}
		if action == ActionRead || action == ActionInvoke {
			return true, ReasonOpen
		}
		return false, ReasonCreatorOnly
	case PolicyPrivate:
		if caller == creator {
			return true, ReasonCreator
		}
		return false, ReasonPrivate
	case PolicySelfOwned:
		if caller == target {
			return true, ReasonSelf
		}
		if caller == creator {
			return true, ReasonCreator
		}
		return false, ReasonSelfOwnedOnly
	}
	return false, "unknown policy"
}

// CheckPermission makes Policy a PermissionChecker, so the executor runs
// exactly the same logic as the fast path.
func (p Policy) CheckPermission(_ context.Context, call Call) (PermissionResult, error) {
	ic := call.Invocation
	ok, reason := p.Decide(ic.Caller, ic.Action, ic.Target, ic.TargetCreatedBy)
	if ok {
		return Allow(reason), nil
	}
	return Deny(reason), nil
}

// Policies lists the genesis policies in bootstrap order.
func Policies() []Policy {
	return []Policy{PolicyFreeware, PolicyPrivate, PolicyPublic, PolicySelfOwned}
}

// GenesisManifest is the stored content of p's genesis artifact.
func GenesisManifest(p Policy) []byte {
	b, _ := json.Marshal(Manifest{Runtime: RuntimeNative, ABI: CurrentABI, Name: p.String()})
	return b
}
