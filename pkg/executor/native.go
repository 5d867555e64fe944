package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/agora/pkg/contracts"
)

// Factory builds a native program. The value it returns should implement
// contracts.PermissionChecker, contracts.Invocable, or both.
type Factory func() (any, error)

// Registry maps native program names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the genesis policies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	for _, p := range contracts.Policies() {
		p := p
		r.factories[p.String()] = func() (any, error) { return p, nil }
	}
	return r
}

// Register adds a native program. Registering a taken name is an error.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("executor: invalid native registration %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("executor: native program %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

func (r *Registry) New(name string) (any, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: no native program %q", name)
	}
	return f()
}

// Names lists registered programs.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
