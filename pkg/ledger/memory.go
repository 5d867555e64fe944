package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agora/pkg/clock"
)

// MemoryLedger keeps balances in process. Each resource has its own lock so
// transfers of different resources never contend.
type MemoryLedger struct {
	clock clock.Clock

	mu       sync.Mutex
	accounts map[string]*account

	journalMu sync.Mutex
	journal   []Entry
}

type account struct {
	mu       sync.RWMutex
	balances map[string]int64
}

func NewMemoryLedger(c clock.Clock) *MemoryLedger {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryLedger{clock: c, accounts: make(map[string]*account)}
}

func (l *MemoryLedger) resource(name string) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[name]
	if !ok {
		a = &account{balances: make(map[string]int64)}
		l.accounts[name] = a
	}
	return a
}

func (l *MemoryLedger) Balance(_ context.Context, principal, resource string) (int64, error) {
	a := l.resource(resource)
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.balances[principal], nil
}

func (l *MemoryLedger) Balances(_ context.Context, principal string) (map[string]int64, error) {
	l.mu.Lock()
	names := make([]string, 0, len(l.accounts))
	accts := make([]*account, 0, len(l.accounts))
	for name, a := range l.accounts {
		names = append(names, name)
		accts = append(accts, a)
	}
	l.mu.Unlock()

	out := make(map[string]int64)
	for i, a := range accts {
		a.mu.RLock()
		if v, ok := a.balances[principal]; ok {
			out[names[i]] = v
		}
		a.mu.RUnlock()
	}
	return out, nil
}

func (l *MemoryLedger) Total(_ context.Context, resource string) (int64, error) {
	a := l.resource(resource)
	a.mu.RLock()
	defer a.mu.RUnlock()
	var sum int64
	for _, v := range a.balances {
		sum += v
	}
	return sum, nil
}

func (l *MemoryLedger) Transfer(_ context.Context, from, to, resource string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	a := l.resource(resource)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.balances[from] < amount {
		return false, nil
	}
	if from == to {
		return true, nil
	}
	if err := l.append(Entry{Kind: KindTransfer, From: from, To: to, Resource: resource, Amount: amount}); err != nil {
		return false, err
	}
	a.balances[from] -= amount
	a.balances[to] += amount
	return true, nil
}

func (l *MemoryLedger) Credit(_ context.Context, principal, resource string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	a := l.resource(resource)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := l.append(Entry{Kind: KindCredit, To: principal, Resource: resource, Amount: amount}); err != nil {
		return err
	}
	a.balances[principal] += amount
	return nil
}

func (l *MemoryLedger) append(e Entry) error {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()

	prev := genesisHash
	if n := len(l.journal); n > 0 {
		prev = l.journal[n-1].Hash
	}
	e.Sequence = uint64(len(l.journal)) + 1
	e.ID = uuid.NewString()
	e.Timestamp = l.clock.Now().UTC()
	if err := seal(&e, prev); err != nil {
		return err
	}
	l.journal = append(l.journal, e)
	return nil
}

func (l *MemoryLedger) Entries(_ context.Context, limit int) ([]Entry, error) {
	l.journalMu.Lock()
	defer l.journalMu.Unlock()

	start := 0
	if limit > 0 && len(l.journal) > limit {
		start = len(l.journal) - limit
	}
	return append([]Entry(nil), l.journal[start:]...), nil
}
