// Package cache implements the two-tier page cache: a fast in-process tier
// with a short TTL in front of the durable shared tier. Durable-tier failures
// are swallowed and served as misses so the pipeline never blocks on the
// store being down.
package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/clock"
	"github.com/zoras/llm-codes/internal/kv"
	"github.com/zoras/llm-codes/internal/metrics"
)

const (
	defaultFastTTL              = 5 * time.Minute
	defaultDurableTTL           = 7 * 24 * time.Hour
	defaultCompressionThreshold = 1024
	defaultSlowOpThreshold      = 500 * time.Millisecond
	defaultLatencyWindow        = 1000
	janitorInterval             = time.Minute
)

// Config controls cache behavior. Zero values fall back to defaults.
type Config struct {
	// FastTTL bounds staleness of the in-process tier.
	FastTTL time.Duration
	// DurableTTL is the default TTL for durable-tier writes.
	DurableTTL time.Duration
	// CompressionThreshold is the value size in bytes above which values are
	// gzipped before durable storage.
	CompressionThreshold int
	// SlowOpThreshold flags durable operations slower than this.
	SlowOpThreshold time.Duration
	// LatencyWindow is the rolling latency sample size.
	LatencyWindow int
}

// record is the envelope stored in the durable tier. The compression flag
// travels with the value so a reader never guesses.
type record struct {
	Value      []byte    `json:"v"`
	Compressed bool      `json:"gz"`
	StoredAt   time.Time `json:"at"`
}

type fastEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is safe for concurrent use by many stream goroutines.
type Cache struct {
	store  kv.Store
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	stats  *Stats

	mu     sync.RWMutex
	fast   map[string]fastEntry
	stopCh chan struct{}
	once   sync.Once
}

// New constructs a Cache over the durable store and starts the fast-tier
// janitor goroutine. Close stops it.
func New(store kv.Store, cfg Config, clk clock.Clock, logger *zap.Logger) *Cache {
	if cfg.FastTTL <= 0 {
		cfg.FastTTL = defaultFastTTL
	}
	if cfg.DurableTTL <= 0 {
		cfg.DurableTTL = defaultDurableTTL
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = defaultCompressionThreshold
	}
	if cfg.SlowOpThreshold <= 0 {
		cfg.SlowOpThreshold = defaultSlowOpThreshold
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		store:  store,
		cfg:    cfg,
		clock:  clk,
		logger: logger,
		stats:  newStats(cfg.LatencyWindow),
		fast:   make(map[string]fastEntry),
		stopCh: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Stats exposes the per-instance counters.
func (c *Cache) Stats() *Stats {
	return c.stats
}

// Get returns the cached value for key and whether it was present. Fast tier
// first; a durable hit backfills the fast tier.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if value, ok := c.fastGet(key); ok {
		c.stats.fastHits.Add(1)
		metrics.ObserveCacheHit("fast")
		return value, true
	}
	c.stats.fastMisses.Add(1)
	metrics.ObserveCacheMiss("fast")

	raw, err := c.timedGet(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			c.durableError("get", key, err)
		} else {
			c.stats.durableMisses.Add(1)
			metrics.ObserveCacheMiss("durable")
		}
		return nil, false
	}
	value, err := decodeRecord(raw)
	if err != nil {
		c.durableError("decode", key, err)
		return nil, false
	}
	c.stats.durableHits.Add(1)
	metrics.ObserveCacheHit("durable")
	c.fastSet(key, value)
	return value, true
}

// Set writes synchronously to the fast tier and best-effort to the durable
// tier; a durable failure is logged and counted but never surfaced.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	c.fastSet(key, value)
	raw, err := c.encodeRecord(value)
	if err != nil {
		c.durableError("encode", key, err)
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.DurableTTL
	}
	start := c.clock.Now()
	err = c.store.Set(ctx, key, raw, ttl)
	c.observe("set", c.clock.Now().Sub(start))
	if err != nil {
		c.durableError("set", key, err)
	}
}

// MultiGet resolves each key through both tiers and returns the hits.
func (c *Cache) MultiGet(ctx context.Context, keys []string) map[string][]byte {
	out := make(map[string][]byte, len(keys))
	var missing []string
	for _, key := range keys {
		if value, ok := c.fastGet(key); ok {
			c.stats.fastHits.Add(1)
			metrics.ObserveCacheHit("fast")
			out[key] = value
			continue
		}
		c.stats.fastMisses.Add(1)
		metrics.ObserveCacheMiss("fast")
		missing = append(missing, key)
	}
	if len(missing) == 0 {
		return out
	}

	start := c.clock.Now()
	found, err := c.store.MultiGet(ctx, missing)
	c.observe("multiget", c.clock.Now().Sub(start))
	if err != nil {
		c.durableError("multiget", "", err)
		return out
	}
	for _, key := range missing {
		raw, ok := found[key]
		if !ok {
			c.stats.durableMisses.Add(1)
			metrics.ObserveCacheMiss("durable")
			continue
		}
		value, err := decodeRecord(raw)
		if err != nil {
			c.durableError("decode", key, err)
			continue
		}
		c.stats.durableHits.Add(1)
		metrics.ObserveCacheHit("durable")
		c.fastSet(key, value)
		out[key] = value
	}
	return out
}

// MultiSet stores all entries in both tiers with a shared TTL.
func (c *Cache) MultiSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) {
	if len(entries) == 0 {
		return
	}
	encoded := make(map[string][]byte, len(entries))
	for key, value := range entries {
		c.fastSet(key, value)
		raw, err := c.encodeRecord(value)
		if err != nil {
			c.durableError("encode", key, err)
			continue
		}
		encoded[key] = raw
	}
	if ttl <= 0 {
		ttl = c.cfg.DurableTTL
	}
	start := c.clock.Now()
	err := c.store.MultiSet(ctx, encoded, ttl)
	c.observe("multiset", c.clock.Now().Sub(start))
	if err != nil {
		c.durableError("multiset", "", err)
	}
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.fast, key)
	c.mu.Unlock()

	start := c.clock.Now()
	err := c.store.Delete(ctx, key)
	c.observe("delete", c.clock.Now().Sub(start))
	if err != nil {
		c.durableError("delete", key, err)
	}
}

// Close stops the janitor. The durable store is owned by the caller.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *Cache) fastGet(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.fast[key]
	c.mu.RUnlock()
	if !ok || c.clock.Now().After(e.expiresAt) {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (c *Cache) fastSet(key string, value []byte) {
	val := make([]byte, len(value))
	copy(val, value)
	c.mu.Lock()
	c.fast[key] = fastEntry{value: val, expiresAt: c.clock.Now().Add(c.cfg.FastTTL)}
	c.mu.Unlock()
}

func (c *Cache) timedGet(ctx context.Context, key string) ([]byte, error) {
	start := c.clock.Now()
	raw, err := c.store.Get(ctx, key)
	c.observe("get", c.clock.Now().Sub(start))
	return raw, err
}

func (c *Cache) observe(op string, d time.Duration) {
	slow := d >= c.cfg.SlowOpThreshold
	c.stats.recordLatency(d, slow)
	metrics.ObserveDurableOp(op, d, slow)
	if slow {
		c.logger.Warn("slow durable cache operation",
			zap.String("op", op),
			zap.Duration("duration", d),
		)
	}
}

func (c *Cache) durableError(op, key string, err error) {
	c.stats.durableErrors.Add(1)
	metrics.ObserveCacheError()
	c.logger.Warn("durable cache tier error, treating as miss",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func (c *Cache) encodeRecord(value []byte) ([]byte, error) {
	rec := record{Value: value, StoredAt: c.clock.Now()}
	if len(value) >= c.cfg.CompressionThreshold {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(value); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		rec.Value = buf.Bytes()
		rec.Compressed = true
	}
	return json.Marshal(rec)
}

func decodeRecord(raw []byte) ([]byte, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	if !rec.Compressed {
		return rec.Value, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(rec.Value))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.clock.Now()
			c.mu.Lock()
			for key, e := range c.fast {
				if now.After(e.expiresAt) {
					delete(c.fast, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
