package auth

import (
	"context"
	"errors"
)

type contextKey string

const (
	principalKey contextKey = "principal"
)

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// GetPrincipal retrieves the Principal from the context.
func GetPrincipal(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return nil, errors.New("no principal in context")
	}
	return p, nil
}

// Caller returns the kernel principal of the authenticated request.
func Caller(ctx context.Context) (string, bool) {
	p, err := GetPrincipal(ctx)
	if err != nil || p.GetID() == "" {
		return "", false
	}
	return p.GetID(), true
}

// IsOperator reports whether the authenticated request carries the operator role.
func IsOperator(ctx context.Context) bool {
	p, err := GetPrincipal(ctx)
	return err == nil && p.HasRole(RoleOperator)
}
