package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/agora/pkg/database"
)

// SQLAssignments persists quota assignments in the "quotas" table.
type SQLAssignments struct {
	db *sql.DB
}

func NewSQLAssignments(db *sql.DB) *SQLAssignments {
	return &SQLAssignments{db: db}
}

const assignmentsSchema = `
CREATE TABLE IF NOT EXISTS quotas (
	principal TEXT NOT NULL,
	resource  TEXT NOT NULL,
	amount    BIGINT NOT NULL CHECK (amount >= 0),
	PRIMARY KEY (principal, resource)
);
`

func (s *SQLAssignments) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, assignmentsSchema); err != nil {
		return fmt.Errorf("init quotas schema: %w", err)
	}
	return nil
}

func (s *SQLAssignments) Get(ctx context.Context, principal, resource string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx,
		`SELECT amount FROM quotas WHERE principal = $1 AND resource = $2`, principal, resource).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota %s/%s: %w", principal, resource, err)
	}
	return amount, nil
}

func (s *SQLAssignments) Set(ctx context.Context, principal, resource string, amount int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quotas (principal, resource, amount) VALUES ($1, $2, $3)
		ON CONFLICT (principal, resource) DO UPDATE SET amount = EXCLUDED.amount`,
		principal, resource, amount)
	if err != nil {
		return fmt.Errorf("set quota %s/%s: %w", principal, resource, err)
	}
	return nil
}

var errQuotaShort = errors.New("quota short")

func (s *SQLAssignments) Transfer(ctx context.Context, from, to, resource string, amount, keep int64) (bool, error) {
	err := database.InTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE quotas SET amount = amount - $1
			WHERE principal = $2 AND resource = $3 AND amount - $1 >= $4`,
			amount, from, resource, keep)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errQuotaShort
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO quotas (principal, resource, amount) VALUES ($1, $2, $3)
			ON CONFLICT (principal, resource) DO UPDATE SET amount = quotas.amount + EXCLUDED.amount`,
			to, resource, amount)
		return err
	})
	if errors.Is(err, errQuotaShort) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transfer quota %s -> %s: %w", from, to, err)
	}
	return true, nil
}

func (s *SQLAssignments) All(ctx context.Context, principal string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT resource, amount FROM quotas WHERE principal = $1`, principal)
	if err != nil {
		return nil, fmt.Errorf("list quotas %s: %w", principal, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			r string
			a int64
		)
		if err := rows.Scan(&r, &a); err != nil {
			return nil, err
		}
		out[r] = a
	}
	return out, rows.Err()
}
