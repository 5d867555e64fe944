package quota

import (
	"context"
	"sync"
)

// Assignments stores how much of each resource each principal may use.
type Assignments interface {
	Get(ctx context.Context, principal, resource string) (int64, error)
	Set(ctx context.Context, principal, resource string, amount int64) error
	// Transfer moves amount of from's quota to to, provided from keeps at
	// least keep afterwards. It reports false and changes nothing otherwise.
	Transfer(ctx context.Context, from, to, resource string, amount, keep int64) (bool, error)
	All(ctx context.Context, principal string) (map[string]int64, error)
}

type assignmentKey struct{ principal, resource string }

// MemoryAssignments keeps quota assignments in process.
type MemoryAssignments struct {
	mu     sync.RWMutex
	quotas map[assignmentKey]int64
}

func NewMemoryAssignments() *MemoryAssignments {
	return &MemoryAssignments{quotas: make(map[assignmentKey]int64)}
}

func (m *MemoryAssignments) Get(_ context.Context, principal, resource string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quotas[assignmentKey{principal, resource}], nil
}

func (m *MemoryAssignments) Set(_ context.Context, principal, resource string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[assignmentKey{principal, resource}] = amount
	return nil
}

func (m *MemoryAssignments) Transfer(_ context.Context, from, to, resource string, amount, keep int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fk, tk := assignmentKey{from, resource}, assignmentKey{to, resource}
	if m.quotas[fk]-amount < keep {
		return false, nil
	}
	m.quotas[fk] -= amount
	m.quotas[tk] += amount
	return true, nil
}

func (m *MemoryAssignments) All(_ context.Context, principal string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64)
	for k, v := range m.quotas {
		if k.principal == principal {
			out[k.resource] = v
		}
	}
	return out, nil
}
