// Package sqlite provides a single-file durable storage.Storage backed by
// SQLite through database/sql and github.com/mattn/go-sqlite3.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/storefront-go/storage"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER
)`

// Storage implements storage.Storage on a SQLite database.
type Storage struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path. Use ":memory:"
// for an ephemeral database.
func Open(ctx context.Context, path string) (*Storage, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("sqlite storage: open: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers in this process.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite storage: migrate: %w", err)
	}
	return &Storage{db: db}, nil
}

// Get retrieves data for a specific key within the given namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	flat := storage.BuildKey(options.Namespace, key)

	var (
		data      []byte
		createdAt int64
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, created_at, expires_at FROM kv WHERE key = ?`, flat,
	).Scan(&data, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite storage: get %s: %w", flat, err)
	}

	item := &storage.Item{Data: data, CreatedAt: time.Unix(0, createdAt)}
	if expiresAt.Valid {
		exp := time.Unix(0, expiresAt.Int64)
		item.ExpiresAt = &exp
	}
	if item.IsExpired() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, flat)
		return nil, nil
	}
	return item, nil
}

// Set upserts the value for key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	flat := storage.BuildKey(options.Namespace, key)

	now := time.Now()
	var expiresAt sql.NullInt64
	if options.TTL != nil {
		expiresAt = sql.NullInt64{Int64: now.Add(*options.TTL).UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO kv (key, data, created_at, expires_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, created_at = excluded.created_at, expires_at = excluded.expires_at`,
		flat, data, now.UnixNano(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite storage: set %s: %w", flat, err)
	}
	return nil
}

// Delete removes a key or every key in the namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		flat := storage.BuildKey(options.Namespace, *options.Key)
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, flat); err != nil {
			return fmt.Errorf("sqlite storage: delete %s: %w", flat, err)
		}
		return nil
	}

	prefix := storage.NamespacePrefix(options.Namespace)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix,
	); err != nil {
		return fmt.Errorf("sqlite storage: delete namespace %s: %w", prefix, err)
	}
	return nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

var _ storage.Storage = (*Storage)(nil)
