package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Reservation is one limit check inside an atomic Reserve.
type Reservation struct {
	Key    string
	Spec   ResourceSpec
	Amount int64
	Limit  int64
}

// Backend stores usage. Reserve must be atomic across all reservations:
// either every one fits and is recorded, or nothing is recorded and the
// index of the first reservation that did not fit is returned.
type Backend interface {
	Reserve(ctx context.Context, now time.Time, rs []Reservation) (ok bool, failed int, err error)
	Usage(ctx context.Context, key string, spec ResourceSpec, now time.Time) (int64, error)
	// Uses returns live renewable draws for key, oldest first.
	Uses(ctx context.Context, key string, spec ResourceSpec, now time.Time) ([]Use, error)
	Release(ctx context.Context, key string, spec ResourceSpec, amount int64) error
	SetAllocated(ctx context.Context, key string, spec ResourceSpec, amount int64) error
}

func usageKey(resource, principal string) string {
	return resource + "/" + principal
}

// MemoryBackend keeps usage in process.
type MemoryBackend struct {
	mu        sync.Mutex
	logs      map[string][]Use
	allocated map[string]int64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		logs:      make(map[string][]Use),
		allocated: make(map[string]int64),
	}
}

// pruneLocked drops draws that have left the window.
func (b *MemoryBackend) pruneLocked(k string, window time.Duration, now time.Time) []Use {
	cutoff := now.Add(-window)
	log := b.logs[k]
	i := 0
	for i < len(log) && !log[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		log = append([]Use(nil), log[i:]...)
		if len(log) == 0 {
			delete(b.logs, k)
		} else {
			b.logs[k] = log
		}
	}
	return log
}

func (b *MemoryBackend) usageLocked(k string, spec ResourceSpec, now time.Time) int64 {
	if spec.Kind == Allocatable {
		return b.allocated[k]
	}
	return usage(b.pruneLocked(k, spec.Window, now), spec.Window, now)
}

func (b *MemoryBackend) Reserve(_ context.Context, now time.Time, rs []Reservation) (bool, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range rs {
		k := usageKey(r.Spec.Name, r.Key)
		if b.usageLocked(k, r.Spec, now)+r.Amount > r.Limit {
			return false, i, nil
		}
	}
	for _, r := range rs {
		if r.Amount == 0 {
			continue
		}
		k := usageKey(r.Spec.Name, r.Key)
		if r.Spec.Kind == Allocatable {
			b.allocated[k] += r.Amount
			continue
		}
		b.logs[k] = append(b.logs[k], Use{At: now, Amount: r.Amount})
	}
	return true, -1, nil
}

func (b *MemoryBackend) Usage(_ context.Context, key string, spec ResourceSpec, now time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usageLocked(usageKey(spec.Name, key), spec, now), nil
}

func (b *MemoryBackend) Uses(_ context.Context, key string, spec ResourceSpec, now time.Time) ([]Use, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if spec.Kind == Allocatable {
		return nil, nil
	}
	live := b.pruneLocked(usageKey(spec.Name, key), spec.Window, now)
	out := append([]Use(nil), live...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (b *MemoryBackend) Release(_ context.Context, key string, spec ResourceSpec, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := usageKey(spec.Name, key)
	b.allocated[k] -= amount
	if b.allocated[k] <= 0 {
		delete(b.allocated, k)
	}
	return nil
}

func (b *MemoryBackend) SetAllocated(_ context.Context, key string, spec ResourceSpec, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := usageKey(spec.Name, key)
	if amount <= 0 {
		delete(b.allocated, k)
		return nil
	}
	b.allocated[k] = amount
	return nil
}
