package ledger

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLLedger_InsufficientRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_head SET seq = seq + 1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, hash FROM ledger_head")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(7, "sha256:abc"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE balances SET amount = amount - $1")).
		WithArgs(int64(50), "alice", "scrip").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	ok, err := l.Transfer(context.Background(), "alice", "bob", "scrip", 50)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_CreditFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewSQLLedger(db, nil)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_head")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, hash FROM ledger_head")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(1, "genesis"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE balances SET amount = amount - $1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO balances")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	ok, err := l.Transfer(context.Background(), "alice", "bob", "scrip", 5)
	require.Error(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
