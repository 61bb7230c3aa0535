package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/zoras/llm-codes/internal/kv"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestStore_Get(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT value FROM kv_entries`).
		WithArgs("page:abc").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow([]byte("content")))

	got, err := s.Get(context.Background(), "page:abc")
	require.NoError(t, err)
	require.Equal(t, []byte("content"), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Get_Missing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT value FROM kv_entries`).
		WithArgs("page:missing").
		WillReturnRows(pgxmock.NewRows([]string{"value"}))

	_, err := s.Get(context.Background(), "page:missing")
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Set(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO kv_entries`).
		WithArgs("page:abc", []byte("content"), time.Hour).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Set(context.Background(), "page:abc", []byte("content"), time.Hour))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MultiGet(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	keys := []string{"a", "b", "c"}
	mock.ExpectQuery(`SELECT key, value FROM kv_entries`).
		WithArgs(keys).
		WillReturnRows(pgxmock.NewRows([]string{"key", "value"}).
			AddRow("a", []byte("one")).
			AddRow("b", []byte("two")))

	got, err := s.MultiGet(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("one"), got["a"])
	require.NotContains(t, got, "c")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetIfAbsent_Wins(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM kv_entries`).
		WithArgs("lock:x").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO kv_entries`).
		WithArgs("lock:x", []byte("holder-1"), time.Minute).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ok, err := s.SetIfAbsent(context.Background(), "lock:x", []byte("holder-1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetIfAbsent_Loses(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM kv_entries`).
		WithArgs("lock:x").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO kv_entries`).
		WithArgs("lock:x", []byte("holder-2"), time.Minute).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	ok, err := s.SetIfAbsent(context.Background(), "lock:x", []byte("holder-2"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteIfEquals(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM kv_entries`).
		WithArgs("lock:x", []byte("holder-1")).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ok, err := s.DeleteIfEquals(context.Background(), "lock:x", []byte("holder-1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS kv_entries`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
