package auth

import "slices"

// RoleOperator may read the operator event log.
const RoleOperator = "operator"

// Principal is the authenticated caller of a request. Its ID is the kernel
// principal every operation is performed as.
type Principal interface {
	GetID() string
	GetRoles() []string
	HasRole(role string) bool
}

// BasePrincipal is a simple implementation of Principal.
type BasePrincipal struct {
	ID    string
	Roles []string
}

func (b *BasePrincipal) GetID() string {
	return b.ID
}

func (b *BasePrincipal) GetRoles() []string {
	return b.Roles
}

func (b *BasePrincipal) HasRole(role string) bool {
	return slices.Contains(b.Roles, role)
}
