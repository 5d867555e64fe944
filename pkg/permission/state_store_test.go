package permission

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Mindburn-Labs/agora/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStateStore(t *testing.T, s StateStore) {
	t.Helper()
	ctx := context.Background()

	st, err := s.Load(ctx, "c")
	require.NoError(t, err)
	assert.Zero(t, st.Version())
	assert.Zero(t, st.Len())

	st, err = s.Commit(ctx, "c", 0, map[string]any{"n": int64(1), "who": "bob"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version())

	_, err = s.Commit(ctx, "c", 0, map[string]any{"n": int64(9)})
	assert.ErrorIs(t, err, ErrStateConflict)

	st, err = s.Commit(ctx, "c", 1, map[string]any{"n": int64(2), "who": nil})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version())

	st, err = s.Load(ctx, "c")
	require.NoError(t, err)
	n, _ := st.Get("n")
	assert.Equal(t, int64(2), n)
	_, ok := st.Get("who")
	assert.False(t, ok)

	other, err := s.Load(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, other.Version())
}

func TestMemoryStateStore(t *testing.T) {
	exerciseStateStore(t, NewMemoryStateStore())
}

func TestSQLStateStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	url := "sqlite://" + filepath.Join(t.TempDir(), "state.db")

	db, err := database.Open(ctx, url)
	require.NoError(t, err)
	s := NewSQLStateStore(db)
	require.NoError(t, s.Init(ctx))
	exerciseStateStore(t, s)
	require.NoError(t, db.Close())

	db, err = database.Open(ctx, url)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	st, err := NewSQLStateStore(db).Load(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version())
	n, _ := st.Get("n")
	assert.Equal(t, int64(2), n)
}

func TestSQLStateStoreLostRaceIsConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStateStore(database.Wrap(db, database.Postgres))

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, state FROM contract_state")).
		WithArgs("c").
		WillReturnRows(sqlmock.NewRows([]string{"version", "state"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO contract_state")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err = s.Commit(context.Background(), "c", 0, map[string]any{"k": "v"})
	assert.ErrorIs(t, err, ErrStateConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
