// Package memory provides an in-memory implementation of the storage interface
// using github.com/hashicorp/golang-lru/v2 for bounded caching with TTL support.
// Writes are fanned out to in-process watchers, which makes it a faithful
// stand-in for a shared store in tests with several holders.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/storefront-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage implements the storage.Storage interface using in-memory storage.
type Storage struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *storage.Item]

	watchMu  sync.Mutex
	watchers map[chan string]struct{}

	stop chan struct{}
	once sync.Once
}

// New creates a new in-memory storage implementation holding at most
// maxItems entries.
func New(maxItems int) (*Storage, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	s := &Storage{
		cache:    cache,
		watchers: make(map[chan string]struct{}),
		stop:     make(chan struct{}),
	}

	// Start background cleanup of expired items
	go s.cleanupExpired(5 * time.Minute)

	return s, nil
}

// Get retrieves data for a specific key within the given namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	storageKey := storage.BuildKey(options.Namespace, key)

	s.mu.RLock()
	item, exists := s.cache.Get(storageKey)
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}

	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}

	// Callers must not be able to mutate the stored bytes.
	out := *item
	out.Data = append([]byte(nil), item.Data...)
	return &out, nil
}

// Set stores data for a specific key within the given namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	storageKey := storage.BuildKey(options.Namespace, key)

	now := time.Now()
	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}

	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()

	s.notify(storageKey)
	return nil
}

// Delete removes data within the given namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	var removed []string

	s.mu.Lock()
	if options.Key != nil {
		storageKey := storage.BuildKey(options.Namespace, *options.Key)
		if s.cache.Remove(storageKey) {
			removed = append(removed, storageKey)
		}
	} else {
		removed = s.deleteByPrefix(storage.NamespacePrefix(options.Namespace))
	}
	s.mu.Unlock()

	for _, k := range removed {
		s.notify(k)
	}
	return nil
}

// Watch implements storage.Watcher for writes made through this instance.
func (s *Storage) Watch(ctx context.Context, fn storage.ChangeFunc) error {
	ch := make(chan string, 64)

	s.watchMu.Lock()
	s.watchers[ch] = struct{}{}
	s.watchMu.Unlock()

	defer func() {
		s.watchMu.Lock()
		delete(s.watchers, ch)
		s.watchMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return storage.ErrClosed
		case key := <-ch:
			fn(ctx, key)
		}
	}
}

// Close closes the storage backend and releases resources.
func (s *Storage) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Storage) notify(key string) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for ch := range s.watchers {
		select {
		case ch <- key:
		default:
			// Slow watcher; it re-reads whole objects so a dropped
			// notification for the same key is harmless.
		}
	}
}

// deleteByPrefix removes all keys with the given prefix. Caller holds s.mu.
func (s *Storage) deleteByPrefix(prefix string) []string {
	// LRU doesn't provide prefix iteration
	var removed []string
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
			removed = append(removed, key)
		}
	}
	return removed
}

// cleanupExpired periodically evicts expired items until Close.
func (s *Storage) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, exists := s.cache.Peek(key); exists {
				if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
					s.cache.Remove(key)
				}
			}
		}
		s.mu.Unlock()
	}
}

// Compile-time interface checks
var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)
