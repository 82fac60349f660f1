// Package kvstore provides concrete key-value backends for the directory
// cache: a SQLite-backed durable store and, where SQLite is unavailable,
// callers fall back to cache.NewNoopStore.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists cache entries in a single sqlite file. Access is
// serialized through a single connection (SetMaxOpenConns(1)): sqlite
// does not support concurrent writers and the driver otherwise round-
// robins across connections.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open creates (or reuses) a sqlite database at dbPath and ensures the
// cache_entries table exists. The root directory is stored under the
// empty-string key in this same table rather than a separate table.
func Open(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS cache_entries (
  path TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0
);
`
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(qctx, schema)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	row := s.db.QueryRowContext(qctx, `SELECT value FROM cache_entries WHERE path = ?`, key)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`INSERT INTO cache_entries(path, value, size_bytes) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET value = excluded.value, size_bytes = excluded.size_bytes`,
		key, value, len(value))
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE path = ?`, key)
	return err
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, `SELECT path FROM cache_entries ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	rows, err := s.db.QueryContext(qctx, `SELECT path, value FROM cache_entries ORDER BY path`)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	type kv struct {
		key   string
		value []byte
	}
	var all []kv
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return err
		}
		all = append(all, kv{k, v})
	}
	rerr := rows.Err()
	rows.Close()
	s.mu.RUnlock()
	if rerr != nil {
		return rerr
	}
	for _, e := range all {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	qctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM cache_entries`)
	return err
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
