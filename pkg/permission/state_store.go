package permission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/agora/pkg/contracts"
	"github.com/Mindburn-Labs/agora/pkg/database"
)

// ErrStateConflict means the contract's state moved past the expected version.
var ErrStateConflict = errors.New("permission: contract state version conflict")

// StateStore holds each contract's private key/value state.
//
// Commit applies updates only if the stored version still equals expected,
// and returns the new snapshot. A contract with no stored state is at
// version zero.
type StateStore interface {
	Load(ctx context.Context, contract string) (contracts.State, error)
	Commit(ctx context.Context, contract string, expected int64, updates map[string]any) (contracts.State, error)
}

// MemoryStateStore is an in-process StateStore.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]contracts.State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]contracts.State)}
}

func (m *MemoryStateStore) Load(_ context.Context, contract string) (contracts.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[contract], nil
}

func (m *MemoryStateStore) Commit(_ context.Context, contract string, expected int64, updates map[string]any) (contracts.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.states[contract]
	if cur.Version() != expected {
		return cur, ErrStateConflict
	}
	next := cur.Apply(updates)
	m.states[contract] = next
	return next, nil
}

// SQLStateStore persists state as deterministic CBOR in "contract_state".
type SQLStateStore struct {
	db *database.DB
}

func NewSQLStateStore(db *database.DB) *SQLStateStore {
	return &SQLStateStore{db: db}
}

func (s *SQLStateStore) Init(ctx context.Context) error {
	blobType := "BLOB"
	if s.db.Dialect == database.Postgres {
		blobType = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS contract_state (
		contract_id TEXT PRIMARY KEY,
		version     BIGINT NOT NULL,
		state       %s NOT NULL
	);`, blobType))
	if err != nil {
		return fmt.Errorf("init contract_state schema: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadState(ctx context.Context, q rowQuerier, contract string) (contracts.State, error) {
	var (
		version int64
		raw     []byte
	)
	err := q.QueryRowContext(ctx,
		`SELECT version, state FROM contract_state WHERE contract_id = $1`, contract).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.State{}, nil
	}
	if err != nil {
		return contracts.State{}, fmt.Errorf("load state %s: %w", contract, err)
	}
	values, err := contracts.DecodeState(raw)
	if err != nil {
		return contracts.State{}, fmt.Errorf("load state %s: %w", contract, err)
	}
	return contracts.NewState(version, values), nil
}

func (s *SQLStateStore) Load(ctx context.Context, contract string) (contracts.State, error) {
	return loadState(ctx, s.db, contract)
}

func (s *SQLStateStore) Commit(ctx context.Context, contract string, expected int64, updates map[string]any) (contracts.State, error) {
	var next contracts.State
	err := database.InTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		cur, err := loadState(ctx, tx, contract)
		if err != nil {
			return err
		}
		if cur.Version() != expected {
			return ErrStateConflict
		}
		next = cur.Apply(updates)
		raw, err := contracts.EncodeState(next.Map())
		if err != nil {
			return fmt.Errorf("encode state %s: %w", contract, err)
		}

		var res sql.Result
		if expected == 0 {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO contract_state (contract_id, version, state) VALUES ($1, $2, $3)
				ON CONFLICT (contract_id) DO NOTHING`,
				contract, next.Version(), raw)
		} else {
			res, err = tx.ExecContext(ctx, `
				UPDATE contract_state SET version = $1, state = $2
				WHERE contract_id = $3 AND version = $4`,
				next.Version(), raw, contract, expected)
		}
		if err != nil {
			return fmt.Errorf("commit state %s: %w", contract, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("commit state %s: %w", contract, err)
		}
		if n == 0 {
			return ErrStateConflict
		}
		return nil
	})
	if err != nil {
		return contracts.State{}, err
	}
	return next, nil
}
