// Package badger implements the durable tier on an embedded Badger database.
// Badger gives us native per-entry TTLs and serializable transactions, which
// cover the conditional-write semantics the lock needs.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/zoras/llm-codes/internal/kv"
)

// Config captures the parameters for the Badger store.
type Config struct {
	// Path is the directory holding the database files.
	Path string
	// SyncWrites forces fsync on every commit. Off by default; cache data is
	// reconstructible from the remote provider.
	SyncWrites bool
}

// Store is a kv.Store backed by Badger.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

// New opens (or creates) the database at cfg.Path.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", cfg.Path, err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Get returns the value stored under key, or kv.ErrNotFound.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key with the given TTL.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// MultiGet reads all keys in one read transaction; absent keys are omitted.
func (s *Store) MultiGet(_ context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger multi-get: %w", err)
	}
	return out, nil
}

// MultiSet writes all entries in one transaction with a shared TTL.
func (s *Store) MultiSet(_ context.Context, entries map[string][]byte, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for key, value := range entries {
			if err := txn.SetEntry(newEntry(key, value, ttl)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("badger multi-set: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent stores value only when key is absent; expired entries count as
// absent because Badger hides them from reads.
func (s *Store) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		created = true
		return txn.SetEntry(newEntry(key, value, ttl))
	})
	if err != nil {
		return false, fmt.Errorf("badger set-if-absent %s: %w", key, err)
	}
	return created, nil
}

// DeleteIfEquals removes key only when its current value equals value.
func (s *Store) DeleteIfEquals(_ context.Context, key string, value []byte) (bool, error) {
	deleted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if !bytes.Equal(current, value) {
			return nil
		}
		deleted = true
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("badger delete-if-equals %s: %w", key, err)
	}
	return deleted, nil
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	if err := s.db.Sync(); err != nil {
		s.logger.Warn("badger sync on close failed", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func newEntry(key string, value []byte, ttl time.Duration) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		e = e.WithTTL(ttl)
	}
	return e
}
