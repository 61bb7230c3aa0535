// Package lock provides per-resource mutual exclusion on top of the durable
// tier's atomic conditional writes. Expiry is the crash-safety valve: a
// vanished holder can never wedge a resource past the TTL.
//
// When the durable tier is unreachable, Acquire degrades to always-succeed
// and returns a fresh token anyway. That trades correctness for availability
// on purpose: a down lock store must not stall the whole crawl pipeline.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/cache"
	"github.com/zoras/llm-codes/internal/kv"
)

const defaultPollInterval = 250 * time.Millisecond

// Locker issues expiring locks keyed by resource URL.
type Locker struct {
	store        kv.Store
	logger       *zap.Logger
	pollInterval time.Duration
}

// New constructs a Locker over the durable store.
func New(store kv.Store, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locker{
		store:        store,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// Acquire attempts to take the lock for resource with the given TTL. On
// success it returns an opaque holder token and true; if the lock is held it
// returns "" and false. Store errors degrade to always-acquire (see package
// doc).
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, bool) {
	token := uuid.NewString()
	ok, err := l.store.SetIfAbsent(ctx, cache.LockKey(resource), []byte(token), ttl)
	if err != nil {
		l.logger.Warn("lock store unavailable, degrading to always-acquire",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return token, true
	}
	if !ok {
		return "", false
	}
	return token, true
}

// Release frees the lock only when token still matches the stored holder.
// It returns false when the lock was already released or stolen after expiry.
func (l *Locker) Release(ctx context.Context, resource, token string) bool {
	ok, err := l.store.DeleteIfEquals(ctx, cache.LockKey(resource), []byte(token))
	if err != nil {
		l.logger.Warn("lock release failed",
			zap.String("resource", resource),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// IsLocked reports whether an unexpired lock exists for resource. A store
// error reads as unlocked, consistent with the degraded Acquire path.
func (l *Locker) IsLocked(ctx context.Context, resource string) bool {
	_, err := l.store.Get(ctx, cache.LockKey(resource))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			l.logger.Warn("lock probe failed", zap.String("resource", resource), zap.Error(err))
		}
		return false
	}
	return true
}

// WaitForRelease polls IsLocked until the lock clears or timeout elapses,
// returning whether it cleared in time.
func (l *Locker) WaitForRelease(ctx context.Context, resource string, timeout time.Duration) bool {
	if !l.IsLocked(ctx, resource) {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if !l.IsLocked(ctx, resource) {
				return true
			}
		}
	}
}
