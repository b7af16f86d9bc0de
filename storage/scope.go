package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Scope binds a Storage to a single application namespace and speaks JSON.
// It is the only way the session and cart layers touch persisted state.
type Scope struct {
	store Storage
	app   string
}

// NewScope returns a Scope that reads and writes under the given application
// key.
func NewScope(store Storage, app string) *Scope {
	return &Scope{store: store, app: app}
}

// App returns the application namespace name.
func (s *Scope) App() string { return s.app }

// Storage returns the underlying backend.
func (s *Scope) Storage() Storage { return s.store }

// GetJSON decodes the value stored under key into v. found is false when the
// key is absent or expired; v is left untouched in that case.
func (s *Scope) GetJSON(ctx context.Context, key string, v any) (found bool, err error) {
	item, err := s.store.Get(ctx, key, WithApp(s.app))
	if err != nil {
		return false, fmt.Errorf("storage: get %q: %w", key, err)
	}
	if item == nil {
		return false, nil
	}
	if err := json.Unmarshal(item.Data, v); err != nil {
		return false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON replaces the value stored under key with the JSON encoding of v.
func (s *Scope) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	if err := s.store.Set(ctx, key, data, WithApp(s.app)); err != nil {
		return fmt.Errorf("storage: set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key succeeds.
func (s *Scope) Remove(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, WithApp(s.app), WithKey(key)); err != nil {
		return fmt.Errorf("storage: remove %q: %w", key, err)
	}
	return nil
}

// Owns reports whether a raw key reported by a Watcher belongs to this scope,
// returning the scope-relative key.
func (s *Scope) Owns(rawKey string) (string, bool) {
	prefix := BuildKey(AppNamespace{App: s.app}, "")
	if !strings.HasPrefix(rawKey, prefix) {
		return "", false
	}
	return strings.TrimPrefix(rawKey, prefix), true
}

// Watch forwards scope-relative change notifications when the backend
// implements Watcher. It returns immediately with a nil error otherwise.
func (s *Scope) Watch(ctx context.Context, fn func(ctx context.Context, key string)) error {
	w, ok := s.store.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func(ctx context.Context, raw string) {
		if key, ok := s.Owns(raw); ok {
			fn(ctx, key)
		}
	})
}
