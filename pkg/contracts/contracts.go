// Package contracts defines the protocol between the kernel and the artifacts
// that govern access to other artifacts.
//
// A contract is not a distinct kind of artifact. Any artifact whose loaded
// program implements PermissionChecker can govern others, and any program
// implementing Invocable can be invoked. The kernel discovers both with a
// type assertion when it loads the program.
package contracts

import (
	"context"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/artifacts"
)

// Action is an operation a caller wants to perform on a target artifact.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionEdit   Action = "edit"
	ActionInvoke Action = "invoke"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the five kernel actions.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionWrite, ActionEdit, ActionInvoke, ActionDelete:
		return true
	}
	return false
}

// Mutates reports whether a changes the target's content or existence.
func (a Action) Mutates() bool {
	return a == ActionWrite || a == ActionEdit || a == ActionDelete
}

// InvocationContext is what a contract sees about the request it is judging.
//
// Caller is always the immediate caller. When A invokes B and B touches C,
// C's contract is asked about B, never A.
type InvocationContext struct {
	Caller          string             `json:"caller"`
	Action          Action             `json:"action"`
	Target          string             `json:"target"`
	TargetCreatedBy string             `json:"target_created_by"`
	TargetMetadata  artifacts.Metadata `json:"target_metadata"`
	Method          string             `json:"method,omitempty"`
	Args            []any              `json:"args,omitempty"`
	Depth           int                `json:"depth"`
}

// PermissionResult is a contract's verdict plus the settlement it asks for.
//
// ScripPayer and ResourcePayer default to the caller when empty.
// ScripRecipient defaults to the target's creator. StateUpdates is a diff
// against the contract's own state; a nil value deletes the key. None of it
// is applied unless Allowed is true.
type PermissionResult struct {
	Allowed        bool           `json:"allowed"`
	Reason         string         `json:"reason"`
	ScripCost      int64          `json:"scrip_cost,omitempty"`
	ScripPayer     string         `json:"scrip_payer,omitempty"`
	ScripRecipient string         `json:"scrip_recipient,omitempty"`
	ResourcePayer  string         `json:"resource_payer,omitempty"`
	StateUpdates   map[string]any `json:"state_updates,omitempty"`
	Conditions     map[string]any `json:"conditions,omitempty"`
}

// Allow returns a cost-free grant.
func Allow(reason string) PermissionResult {
	return PermissionResult{Allowed: true, Reason: reason}
}

// Deny returns a denial with no side effects.
func Deny(reason string) PermissionResult {
	return PermissionResult{Reason: reason}
}

// Host is the narrow kernel surface available to running contract code.
type Host interface {
	// Invoke calls method on target as the executing artifact. The call is
	// checked against target's own contract one level deeper.
	Invoke(ctx context.Context, target, method string, args []any) (any, error)
	// Metadata is free and unchecked.
	Metadata(ctx context.Context, id string) (artifacts.Metadata, error)
	Balance(ctx context.Context, principal, resource string) (int64, error)
	Now() time.Time
	// Judge asks the external judgment service. The call is billed to the
	// payer the contract's manifest designates.
	Judge(ctx context.Context, prompt string) (string, error)
}

// Call is one execution of contract code.
type Call struct {
	Invocation InvocationContext
	State      State
	Host       Host
	// Self is the id of the artifact whose code is running.
	Self string
}

// PermissionChecker is implemented by programs that can govern artifacts.
type PermissionChecker interface {
	CheckPermission(ctx context.Context, call Call) (PermissionResult, error)
}

// Invocable is implemented by programs that expose callable methods.
type Invocable interface {
	Invoke(ctx context.Context, call Call) (any, error)
}
