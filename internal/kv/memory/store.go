// Package memory provides an in-memory kv.Store for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/zoras/llm-codes/internal/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store is a mutex-guarded map with per-entry expiry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New constructs an empty Store.
func New() *Store {
	return &Store{entries: make(map[string]entry)}
}

// Get returns the value for key or kv.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, kv.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = newEntry(value, ttl)
	return nil
}

// MultiGet returns present, unexpired values for keys.
func (s *Store) MultiGet(_ context.Context, keys []string) (map[string][]byte, error) {
	now := time.Now()
	out := make(map[string][]byte, len(keys))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok || e.expired(now) {
			continue
		}
		val := make([]byte, len(e.value))
		copy(val, e.value)
		out[key] = val
	}
	return out, nil
}

// MultiSet stores all entries with a shared TTL.
func (s *Store) MultiSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range entries {
		s.entries[key] = newEntry(value, ttl)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// SetIfAbsent stores value only when key is absent or expired.
func (s *Store) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	s.entries[key] = newEntry(value, ttl)
	return true, nil
}

// DeleteIfEquals removes key only when its stored value equals value.
func (s *Store) DeleteIfEquals(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	if string(e.value) != string(value) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func newEntry(value []byte, ttl time.Duration) entry {
	val := make([]byte, len(value))
	copy(val, value)
	e := entry{value: val}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}
