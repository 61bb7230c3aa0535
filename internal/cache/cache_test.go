package cache

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/kv"
	"github.com/zoras/llm-codes/internal/kv/memory"
	"github.com/zoras/llm-codes/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

func newTestCache(t *testing.T, store kv.Store, cfg Config) *Cache {
	t.Helper()
	c := New(store, cfg, clock.NewSystem(), zap.NewNop())
	t.Cleanup(c.Close)
	return c
}

func TestCache_RoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, memory.New(), Config{})
	ctx := context.Background()

	c.Set(ctx, "page:a", []byte("small content"), 0)
	got, ok := c.Get(ctx, "page:a")
	require.True(t, ok)
	require.Equal(t, []byte("small content"), got)
}

func TestCache_RoundTrip_Compressed(t *testing.T) {
	t.Parallel()

	store := memory.New()
	c := newTestCache(t, store, Config{CompressionThreshold: 64})
	ctx := context.Background()

	big := []byte(strings.Repeat("markdown content ", 100))
	c.Set(ctx, "page:big", big, 0)

	// The durable record must actually be the gzip envelope, not plain text.
	raw, err := store.Get(ctx, "page:big")
	require.NoError(t, err)
	require.Contains(t, string(raw), `"gz":true`)

	got, ok := c.Get(ctx, "page:big")
	require.True(t, ok)
	require.Equal(t, big, got)
}

func TestCache_DurableHitBackfillsFastTier(t *testing.T) {
	t.Parallel()

	store := memory.New()
	writer := newTestCache(t, store, Config{})
	reader := newTestCache(t, store, Config{})
	ctx := context.Background()

	writer.Set(ctx, "page:a", []byte("content"), 0)

	_, ok := reader.Get(ctx, "page:a")
	require.True(t, ok)
	snap := reader.Stats().Snapshot()
	require.Equal(t, int64(1), snap.DurableHits)

	_, ok = reader.Get(ctx, "page:a")
	require.True(t, ok)
	snap = reader.Stats().Snapshot()
	require.Equal(t, int64(1), snap.FastHits)
	require.Equal(t, int64(1), snap.DurableHits)
}

func TestCache_Miss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, memory.New(), Config{})
	_, ok := c.Get(context.Background(), "page:absent")
	require.False(t, ok)

	snap := c.Stats().Snapshot()
	require.Equal(t, int64(1), snap.FastMisses)
	require.Equal(t, int64(1), snap.DurableMisses)
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) MultiGet(context.Context, []string) (map[string][]byte, error) {
	return nil, errStoreDown
}
func (failingStore) MultiSet(context.Context, map[string][]byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Delete(context.Context, string) error { return errStoreDown }
func (failingStore) SetIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errStoreDown
}
func (failingStore) DeleteIfEquals(context.Context, string, []byte) (bool, error) {
	return false, errStoreDown
}
func (failingStore) Close() error { return nil }

func TestCache_DurableFailureServedAsMiss(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, failingStore{}, Config{})
	ctx := context.Background()

	_, ok := c.Get(ctx, "page:a")
	require.False(t, ok)
	require.Equal(t, int64(1), c.Stats().Snapshot().DurableErrors)
}

func TestCache_SetSurvivesDurableFailure(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, failingStore{}, Config{})
	ctx := context.Background()

	// Durable write fails but the fast tier still serves the value.
	c.Set(ctx, "page:a", []byte("content"), 0)
	got, ok := c.Get(ctx, "page:a")
	require.True(t, ok)
	require.Equal(t, []byte("content"), got)
	require.Positive(t, c.Stats().Snapshot().DurableErrors)
}

func TestCache_FastTierExpiry(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	store := memory.New()
	c := New(store, Config{FastTTL: time.Minute}, clk, zap.NewNop())
	t.Cleanup(c.Close)
	ctx := context.Background()

	c.Set(ctx, "page:a", []byte("content"), 0)
	clk.Advance(2 * time.Minute)

	// Fast entry is stale; the durable tier still answers.
	_, ok := c.Get(ctx, "page:a")
	require.True(t, ok)
	snap := c.Stats().Snapshot()
	require.Equal(t, int64(1), snap.FastMisses)
	require.Equal(t, int64(1), snap.DurableHits)
}

func TestCache_MultiGetMixedTiers(t *testing.T) {
	t.Parallel()

	store := memory.New()
	writer := newTestCache(t, store, Config{})
	reader := newTestCache(t, store, Config{})
	ctx := context.Background()

	writer.Set(ctx, "page:a", []byte("one"), 0)
	writer.Set(ctx, "page:b", []byte("two"), 0)
	reader.Set(ctx, "page:c", []byte("three"), 0)

	got := reader.MultiGet(ctx, []string{"page:a", "page:b", "page:c", "page:d"})
	require.Len(t, got, 3)
	require.Equal(t, []byte("one"), got["page:a"])
	require.Equal(t, []byte("three"), got["page:c"])
	require.NotContains(t, got, "page:d")
}

func TestCache_Delete(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, memory.New(), Config{})
	ctx := context.Background()

	c.Set(ctx, "page:a", []byte("content"), 0)
	c.Delete(ctx, "page:a")
	_, ok := c.Get(ctx, "page:a")
	require.False(t, ok)
}

func TestStats_Reset(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, memory.New(), Config{})
	ctx := context.Background()

	c.Set(ctx, "page:a", []byte("content"), 0)
	c.Get(ctx, "page:a")
	require.Positive(t, c.Stats().Snapshot().FastHits)

	c.Stats().Reset()
	snap := c.Stats().Snapshot()
	require.Zero(t, snap.FastHits)
	require.Zero(t, snap.Samples)
}

func TestStats_LatencyWindowBounded(t *testing.T) {
	t.Parallel()

	s := newStats(4)
	for i := 0; i < 10; i++ {
		s.recordLatency(time.Duration(i)*time.Millisecond, false)
	}
	require.Equal(t, 4, s.Snapshot().Samples)
}
