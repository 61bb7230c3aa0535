// Package kv defines the interface for the durable shared key-value tier.
// This abstraction allows the service to be independent of a specific store
// implementation (e.g., Badger, Postgres, or an in-memory map).
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store defines the common interface for the durable tier. Every write
// carries a TTL; implementations must never serve expired values. SetIfAbsent
// and DeleteIfEquals are atomic with respect to concurrent callers, which is
// what the distributed lock relies on.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key with the given TTL, replacing any prior value.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// MultiGet returns the values for the given keys; absent keys are omitted.
	MultiGet(ctx context.Context, keys []string) (map[string][]byte, error)
	// MultiSet stores all entries with a shared TTL.
	MultiSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// SetIfAbsent stores value only when key is absent (or expired).
	// It reports whether the write happened.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeleteIfEquals removes key only when its current value equals value.
	// It reports whether the delete happened.
	DeleteIfEquals(ctx context.Context, key string, value []byte) (bool, error)
	// Close releases underlying resources.
	Close() error
}
