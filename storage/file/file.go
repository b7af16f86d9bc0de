// Package file provides a directory-backed implementation of storage.Storage.
// Each key is stored in its own file and replaced atomically (write to a temp
// file, then rename), so a reader in another process sees either the old or
// the new value in full. Changes made by any process are observed through
// fsnotify.
package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/storefront-go/storage"
)

const (
	fileExt    = ".json"
	tempPrefix = ".tmp-"
)

// Storage implements storage.Storage on top of a directory.
type Storage struct {
	dir string
	log *slog.Logger

	// mu serializes writers within this process; cross-process writers are
	// resolved by rename atomicity.
	mu sync.Mutex
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Option configures the file storage.
type Option func(*Storage)

// WithLogger sets the logger used for watcher diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Storage) { s.log = log }
}

// New creates the directory if needed and returns a Storage rooted there.
func New(dir string, opts ...Option) (*Storage, error) {
	if dir == "" {
		return nil, errors.New("file storage: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("file storage: create dir: %w", err)
	}
	s := &Storage{dir: dir, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Storage) path(flatKey string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(flatKey))+fileExt)
}

func flatKeyFromName(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, tempPrefix) || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(base, fileExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// Get retrieves data for a specific key within the given namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	p := s.path(storage.BuildKey(options.Namespace, key))

	raw, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("file storage: read: %w", err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("file storage: decode: %w", err)
	}
	out := &storage.Item{Data: item.Data, CreatedAt: item.CreatedAt, ExpiresAt: item.ExpiresAt}
	if out.IsExpired() {
		_ = os.Remove(p)
		return nil, nil
	}
	return out, nil
}

// Set atomically replaces the file for key.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	now := time.Now()
	item := storedItem{Data: data, CreatedAt: now}
	if options.TTL != nil {
		exp := now.Add(*options.TTL)
		item.ExpiresAt = &exp
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("file storage: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("file storage: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file storage: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path(storage.BuildKey(options.Namespace, key))); err != nil {
		return fmt.Errorf("file storage: rename: %w", err)
	}
	return nil
}

// Delete removes a key or an entire namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		err := os.Remove(s.path(storage.BuildKey(options.Namespace, *options.Key)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file storage: remove: %w", err)
		}
		return nil
	}

	prefix := storage.NamespacePrefix(options.Namespace)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("file storage: list: %w", err)
	}
	for _, e := range entries {
		flat, ok := flatKeyFromName(e.Name())
		if !ok || !strings.HasPrefix(flat, prefix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file storage: remove: %w", err)
		}
	}
	return nil
}

// Watch implements storage.Watcher with fsnotify. Writes from this and other
// processes are both reported.
func (s *Storage) Watch(ctx context.Context, fn storage.ChangeFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file storage: watcher: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()

	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("file storage: watch %s: %w", s.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return storage.ErrClosed
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if flat, ok := flatKeyFromName(ev.Name); ok {
				fn(ctx, flat)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return storage.ErrClosed
			}
			s.log.Debug("fsnotify error", slog.String("err", err.Error()))
		}
	}
}

// Close is a no-op; files persist.
func (s *Storage) Close() error { return nil }

// Compile-time interface checks
var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)
