package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteFileUsesWAL(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "agora.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	assert.Equal(t, SQLite, db.Dialect)

	var mode string
	require.NoError(t, db.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
}

func TestOpen_Unsupported(t *testing.T) {
	_, err := Open(context.Background(), "mysql://nope")
	require.Error(t, err)
}

// A transaction that fails part-way must leave nothing behind, and a
// committed one must be visible after reopening the file.
func TestInTx_AtomicAndDurable(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tx.db")

	db, err := Open(ctx, "sqlite://"+path)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v INTEGER NOT NULL CHECK (v >= 0))`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = InTx(ctx, db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "a", 1); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = InTx(ctx, db.DB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "b", 2)
		return err
	})
	require.NoError(t, err)

	// Constraint violations roll back the whole transaction.
	err = InTx(ctx, db.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE kv SET v = v + 10 WHERE k = $1`, "b"); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ($1, $2)`, "c", -1)
		return err
	})
	require.Error(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, "sqlite://"+path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n))
	assert.Equal(t, 1, n)

	var v int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = $1`, "b").Scan(&v))
	assert.Equal(t, 2, v)
}
