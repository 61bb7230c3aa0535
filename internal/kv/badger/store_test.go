package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStore_RequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "page:abc", []byte("content"), 0))
	got, err := s.Get(ctx, "page:abc")
	require.NoError(t, err)
	require.Equal(t, []byte("content"), got)

	_, err = s.Get(ctx, "page:missing")
	require.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "page:abc"))
	_, err = s.Get(ctx, "page:abc")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 50*time.Millisecond))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestStore_MultiOps(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MultiSet(ctx, map[string][]byte{
		"a": []byte("one"),
		"b": []byte("two"),
	}, 0))

	got, err := s.MultiGet(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, []byte("one"), got["a"])
	require.NotContains(t, got, "c")
}

func TestStore_SetIfAbsent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.SetIfAbsent(ctx, "lock:x", []byte("holder-1"), 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.SetIfAbsent(ctx, "lock:x", []byte("holder-2"), 0)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.Get(ctx, "lock:x")
	require.NoError(t, err)
	require.Equal(t, []byte("holder-1"), got)
}

func TestStore_DeleteIfEquals(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "lock:x", []byte("holder-1"), 0))

	ok, err := s.DeleteIfEquals(ctx, "lock:x", []byte("holder-2"))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = s.DeleteIfEquals(ctx, "lock:x", []byte("holder-1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.DeleteIfEquals(ctx, "lock:x", []byte("holder-1"))
	require.NoError(t, err)
	require.False(t, ok)
}
