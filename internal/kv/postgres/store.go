// Package postgres implements the durable tier on a shared Postgres table.
// Unlike the embedded Badger backend this one is visible to every service
// instance, which is what multi-instance lock and breaker sharing need.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zoras/llm-codes/internal/kv"
)

// DB is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store is a kv.Store backed by a single kv_entries table. Expiry is an
// expires_at column; expired rows are filtered on read and purged lazily
// before conditional writes so SetIfAbsent sees them as absent.
type Store struct {
	db DB
}

// New wraps an existing connection pool.
func New(db DB) *Store {
	return &Store{db: db}
}

// Connect opens a pool for dsn and ensures the schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

// EnsureSchema creates the kv_entries table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure kv schema: %w", err)
	}
	return nil
}

// Get returns the value stored under key, or kv.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx,
		`SELECT value FROM kv_entries WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts the value under key with the given TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at)
		 VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, value, ttl,
	)
	if err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

// MultiGet returns present, unexpired values for keys.
func (s *Store) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	rows, err := s.db.Query(ctx,
		`SELECT key, value FROM kv_entries WHERE key = ANY($1) AND expires_at > now()`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres multi-get: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte, len(keys))
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("postgres multi-get scan: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres multi-get rows: %w", err)
	}
	return out, nil
}

// MultiSet upserts all entries with a shared TTL.
func (s *Store) MultiSet(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	for key, value := range entries {
		if err := s.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent purges an expired row for key, then inserts with
// ON CONFLICT DO NOTHING. The insert's row count reports whether we won.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM kv_entries WHERE key = $1 AND expires_at <= now()`, key,
	); err != nil {
		return false, fmt.Errorf("postgres purge expired %s: %w", key, err)
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO kv_entries (key, value, expires_at)
		 VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, value, ttl,
	)
	if err != nil {
		return false, fmt.Errorf("postgres set-if-absent %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteIfEquals removes key only when its stored value equals value.
func (s *Store) DeleteIfEquals(ctx context.Context, key string, value []byte) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM kv_entries WHERE key = $1 AND value = $2 AND expires_at > now()`,
		key, value,
	)
	if err != nil {
		return false, fmt.Errorf("postgres delete-if-equals %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}
