package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/Mindburn-Labs/agora/pkg/database"
)

// SQLLedger persists balances and the journal in one database. Every
// mutation is a single transaction: a crash at any point leaves either the
// whole transfer or none of it.
type SQLLedger struct {
	db    *sql.DB
	clock clock.Clock

	// beforeCommit runs inside the transaction just before COMMIT. Tests use
	// it to simulate a crash between the debit and the commit.
	beforeCommit func() error
}

func NewSQLLedger(db *sql.DB, c clock.Clock) *SQLLedger {
	if c == nil {
		c = clock.Real()
	}
	return &SQLLedger{db: db, clock: c}
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS balances (
	principal TEXT NOT NULL,
	resource  TEXT NOT NULL,
	amount    BIGINT NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (principal, resource)
);
CREATE TABLE IF NOT EXISTS ledger_head (
	id   INTEGER PRIMARY KEY,
	seq  BIGINT NOT NULL,
	hash TEXT NOT NULL
);
INSERT INTO ledger_head (id, seq, hash) VALUES (1, 0, 'genesis') ON CONFLICT (id) DO NOTHING;
CREATE TABLE IF NOT EXISTS ledger_journal (
	seq        BIGINT PRIMARY KEY,
	id         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	from_id    TEXT NOT NULL,
	to_id      TEXT NOT NULL,
	resource   TEXT NOT NULL,
	amount     BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	prev_hash  TEXT NOT NULL,
	hash       TEXT NOT NULL
);
`

func (l *SQLLedger) Init(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, ledgerSchema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

func (l *SQLLedger) Balance(ctx context.Context, principal, resource string) (int64, error) {
	var amount int64
	err := l.db.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE principal = $1 AND resource = $2`, principal, resource).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s/%s: %w", principal, resource, err)
	}
	return amount, nil
}

func (l *SQLLedger) Balances(ctx context.Context, principal string) (map[string]int64, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT resource, amount FROM balances WHERE principal = $1`, principal)
	if err != nil {
		return nil, fmt.Errorf("balances %s: %w", principal, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			resource string
			amount   int64
		)
		if err := rows.Scan(&resource, &amount); err != nil {
			return nil, err
		}
		out[resource] = amount
	}
	return out, rows.Err()
}

func (l *SQLLedger) Total(ctx context.Context, resource string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM balances WHERE resource = $1`, resource).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total %s: %w", resource, err)
	}
	return total, nil
}

// errInsufficient aborts the transaction without surfacing as a failure.
var errInsufficient = errors.New("insufficient balance")

func (l *SQLLedger) Transfer(ctx context.Context, from, to, resource string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	if from == to {
		bal, err := l.Balance(ctx, from, resource)
		if err != nil {
			return false, err
		}
		return bal >= amount, nil
	}

	err := database.InTx(ctx, l.db, func(tx *sql.Tx) error {
		// Taking the head row first serializes writers in a fixed order, so
		// two opposite transfers can never deadlock on the balance rows.
		head, err := lockHead(ctx, tx)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE balances SET amount = amount - $1
			WHERE principal = $2 AND resource = $3 AND amount >= $1`,
			amount, from, resource)
		if err != nil {
			return fmt.Errorf("debit %s: %w", from, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("debit %s: %w", from, err)
		}
		if n == 0 {
			return errInsufficient
		}

		if err := credit(ctx, tx, to, resource, amount); err != nil {
			return err
		}
		return l.appendTx(ctx, tx, head, Entry{Kind: KindTransfer, From: from, To: to, Resource: resource, Amount: amount})
	})
	if errors.Is(err, errInsufficient) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transfer %s -> %s: %w", from, to, err)
	}
	return true, nil
}

func (l *SQLLedger) Credit(ctx context.Context, principal, resource string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	err := database.InTx(ctx, l.db, func(tx *sql.Tx) error {
		head, err := lockHead(ctx, tx)
		if err != nil {
			return err
		}
		if err := credit(ctx, tx, principal, resource, amount); err != nil {
			return err
		}
		return l.appendTx(ctx, tx, head, Entry{Kind: KindCredit, To: principal, Resource: resource, Amount: amount})
	})
	if err != nil {
		return fmt.Errorf("credit %s: %w", principal, err)
	}
	return nil
}

func credit(ctx context.Context, tx *sql.Tx, principal, resource string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO balances (principal, resource, amount) VALUES ($1, $2, $3)
		ON CONFLICT (principal, resource) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`,
		principal, resource, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", principal, err)
	}
	return nil
}

type journalHead struct {
	seq  uint64
	hash string
}

func lockHead(ctx context.Context, tx *sql.Tx) (journalHead, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE ledger_head SET seq = seq + 1 WHERE id = 1`); err != nil {
		return journalHead{}, fmt.Errorf("lock journal head: %w", err)
	}
	var h journalHead
	if err := tx.QueryRowContext(ctx, `SELECT seq, hash FROM ledger_head WHERE id = 1`).Scan(&h.seq, &h.hash); err != nil {
		return journalHead{}, fmt.Errorf("read journal head: %w", err)
	}
	return h, nil
}

func (l *SQLLedger) appendTx(ctx context.Context, tx *sql.Tx, head journalHead, e Entry) error {
	e.Sequence = head.seq
	e.ID = uuid.NewString()
	e.Timestamp = l.clock.Now().UTC()
	if err := seal(&e, head.hash); err != nil {
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_journal (seq, id, kind, from_id, to_id, resource, amount, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.Sequence, e.ID, e.Kind, e.From, e.To, e.Resource, e.Amount, e.Timestamp.UnixNano(), e.PrevHash, e.Hash)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ledger_head SET hash = $1 WHERE id = 1`, e.Hash); err != nil {
		return fmt.Errorf("advance journal head: %w", err)
	}

	if l.beforeCommit != nil {
		return l.beforeCommit()
	}
	return nil
}

func (l *SQLLedger) Entries(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT seq, id, kind, from_id, to_id, resource, amount, created_at, prev_hash, hash
		FROM ledger_journal ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			ts int64
		)
		if err := rows.Scan(&e.Sequence, &e.ID, &e.Kind, &e.From, &e.To, &e.Resource, &e.Amount, &ts, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
