package artifacts

import (
	"context"
	"sort"
	"sync"
)

// Store persists artifacts by id.
//
// Create is an atomic check-and-insert: of any number of concurrent creates
// for one id exactly one succeeds and the rest get ErrCollision. Put replaces
// the content and mutable metadata of an existing artifact; creator and
// creation time never change. Delete is idempotent.
type Store interface {
	Create(ctx context.Context, a *Artifact) error
	Put(ctx context.Context, a *Artifact) error
	Get(ctx context.Context, id string) (*Artifact, error)
	Load(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Metadata, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Artifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Artifact)}
}

func (s *MemoryStore) Create(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[a.ID]; ok {
		return ErrCollision
	}
	stored := a.Clone()
	stored.SizeBytes = int64(len(stored.Content))
	s.items[a.ID] = stored
	return nil
}

func (s *MemoryStore) Put(_ context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.items[a.ID]
	if !ok {
		return ErrNotFound
	}
	stored := a.Clone()
	stored.Creator = prev.Creator
	stored.CreatedAt = prev.CreatedAt
	stored.SizeBytes = int64(len(stored.Content))
	s.items[a.ID] = stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) ([]byte, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.Content, nil
}

func (s *MemoryStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[id]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Metadata, 0, len(s.items))
	for _, a := range s.items {
		md := a.Metadata
		if a.CachePolicy != nil {
			cp := *a.CachePolicy
			md.CachePolicy = &cp
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
