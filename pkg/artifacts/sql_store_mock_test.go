package artifacts

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/agora/pkg/database"
)

func TestSQLStore_CreateCollisionFromRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(database.Wrap(db, database.Postgres))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO artifacts")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = s.Create(context.Background(), newArtifact("doc", "alice", "x"))
	assert.ErrorIs(t, err, ErrCollision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetPropagatesDriverError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(database.Wrap(db, database.Postgres))

	mock.ExpectQuery(regexp.QuoteMeta("FROM artifacts WHERE id = $1")).
		WithArgs("doc").
		WillReturnError(errors.New("connection reset"))

	_, err = s.Get(context.Background(), "doc")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSQLStore_DeleteMissingRowIsNoop(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(database.Wrap(db, database.Postgres))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT blob_ref FROM artifacts WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"blob_ref"}))

	require.NoError(t, s.Delete(context.Background(), "ghost"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
