// Package ledger tracks balances of transferable resources.
//
// Balances never go negative. Every transfer debits and credits atomically
// and appends a hash-chained journal entry, so the history of the economy can
// be audited after the fact.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/canonicalize"
)

// Journal entry kinds.
const (
	KindTransfer = "transfer"
	KindCredit   = "credit"
)

// genesisHash is the PrevHash of the first journal entry.
const genesisHash = "genesis"

var (
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	ErrChainBroken   = errors.New("ledger: journal chain broken")
)

// Ledger is the balance book.
type Ledger interface {
	Balance(ctx context.Context, principal, resource string) (int64, error)
	Balances(ctx context.Context, principal string) (map[string]int64, error)
	// Total is the sum of all balances of resource. Transfers never change it.
	Total(ctx context.Context, resource string) (int64, error)
	// Transfer moves amount from one principal to another. It returns false,
	// with nothing changed, when from holds less than amount.
	Transfer(ctx context.Context, from, to, resource string, amount int64) (bool, error)
	// Credit mints amount into principal's balance.
	Credit(ctx context.Context, principal, resource string, amount int64) error
	// Entries returns up to limit of the most recent journal entries, oldest first.
	Entries(ctx context.Context, limit int) ([]Entry, error)
}

// Entry is one hash-chained journal record.
type Entry struct {
	Sequence  uint64    `json:"sequence"`
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Resource  string    `json:"resource"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

func entryHash(e Entry) (string, error) {
	return canonicalize.Digest(struct {
		Seq      uint64 `json:"seq"`
		ID       string `json:"id"`
		Kind     string `json:"kind"`
		From     string `json:"from"`
		To       string `json:"to"`
		Resource string `json:"resource"`
		Amount   int64  `json:"amount"`
		TS       int64  `json:"ts"`
		Prev     string `json:"prev"`
	}{e.Sequence, e.ID, e.Kind, e.From, e.To, e.Resource, e.Amount, e.Timestamp.UnixNano(), e.PrevHash})
}

// seal fills in Hash for e given its predecessor.
func seal(e *Entry, prev string) error {
	e.PrevHash = prev
	h, err := entryHash(*e)
	if err != nil {
		return fmt.Errorf("hash journal entry: %w", err)
	}
	e.Hash = h
	return nil
}

// Verify checks that entries form an unbroken chain from the genesis head.
// entries must be the complete journal in sequence order.
func Verify(entries []Entry) error {
	prev := genesisHash
	for i, e := range entries {
		if e.Sequence != uint64(i)+1 {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrChainBroken, i+1, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, want %s", ErrChainBroken, e.Sequence, e.PrevHash, prev)
		}
		h, err := entryHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}
