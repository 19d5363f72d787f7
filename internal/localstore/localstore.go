// Package localstore is the client's persisted key/value cache.
//
// Values live in a SQLite table and are mirrored in an LRU; when the LRU
// evicts a key the row is deleted too, so the cache never grows past its
// capacity on disk. A separate meta table holds bookkeeping the LRU must not
// evict, such as the serialized operation queue.
//
// Cache writes never fail the caller. Database errors are logged and the
// in-memory value still serves reads until eviction or restart.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultCapacity is the number of keys kept when no capacity is given.
const DefaultCapacity = 4096

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value BLOB NOT NULL
);
`

// Store is a persisted LRU cache. Safe for concurrent use.
type Store struct {
	db       *sql.DB
	cache    *lru.Cache[string, []byte]
	capacity int
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the number of cached keys.
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens or creates the cache database at path and loads its rows into
// the LRU. Use ":memory:" for a throwaway cache.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{capacity: DefaultCapacity, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init local store: %w", err)
		}
	}
	s.db = db

	cache, err := lru.NewWithEvict[string, []byte](s.capacity, s.evicted)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create lru: %w", err)
	}
	s.cache = cache

	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// load reads every row before touching the LRU: an eviction during Add
// deletes a row, which needs the single connection the cursor holds.
func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT key, value FROM kv ORDER BY rowid ASC`)
	if err != nil {
		return fmt.Errorf("load local store: %w", err)
	}
	type kv struct {
		key   string
		value []byte
	}
	var all []kv
	for rows.Next() {
		var e kv
		if err := rows.Scan(&e.key, &e.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan local store: %w", err)
		}
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate local store: %w", err)
	}
	rows.Close()

	for _, e := range all {
		s.cache.Add(e.key, e.value)
	}
	return nil
}

func (s *Store) evicted(key string, _ []byte) {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		s.logger.Warn("local store evict failed", "key", key, "error", err)
	}
}

// Get returns the cached value for key.
func (s *Store) Get(key string) ([]byte, bool) {
	return s.cache.Get(key)
}

// Contains reports whether key is cached without touching recency.
func (s *Store) Contains(key string) bool {
	return s.cache.Contains(key)
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		s.logger.Warn("local store write failed", "key", key, "error", err)
	}
	s.cache.Add(key, value)
}

// Delete removes key. Removing a missing key is a no-op.
func (s *Store) Delete(key string) {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		s.logger.Warn("local store delete failed", "key", key, "error", err)
	}
	s.cache.Remove(key)
}

// Rename moves the value stored under from to to. It reports whether from
// existed.
func (s *Store) Rename(from, to string) bool {
	v, ok := s.cache.Peek(from)
	if !ok {
		return false
	}
	s.Delete(from)
	s.Set(to, v)
	return true
}

// Keys returns the cached keys from oldest to newest.
func (s *Store) Keys() []string {
	return s.cache.Keys()
}

// Len returns the number of cached keys.
func (s *Store) Len() int {
	return s.cache.Len()
}

// PutMeta writes a bookkeeping value that is never evicted.
func (s *Store) PutMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put meta %s: %w", key, err)
	}
	return nil
}

// Meta reads a bookkeeping value. A missing key returns (nil, false, nil).
func (s *Store) Meta(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

// Close closes the database. The in-memory cache is dropped.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
