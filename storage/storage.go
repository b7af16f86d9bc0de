// Package storage defines the persisted key-value store that backs the
// storefront client's durable local state (the session projection, the guest
// cart, and the pending sync log).
//
// Values are opaque byte slices and are always written whole: a Set replaces
// the previous value atomically, so concurrent writers from other processes
// resolve as last-writer-wins at the granularity of one key. Backends that can
// observe writes made by other processes implement Watcher so callers can
// re-read instead of trusting cached in-memory state indefinitely.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage is the primary interface for namespaced key-value storage.
type Storage interface {
	// Get retrieves data for a specific key within the given namespace.
	// Returns a nil Item if the key doesn't exist or has expired.
	// Returns an error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a specific key within the given namespace,
	// replacing any previous value.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace. If no key is specified
	// via WithKey, the entire namespace is removed. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources.
	Close() error
}

// ChangeFunc is invoked by a Watcher with the raw key of an entry that was
// written or deleted.
type ChangeFunc func(ctx context.Context, key string)

// Watcher is implemented by backends that can observe writes, including
// writes made by other processes sharing the same backing store.
type Watcher interface {
	// Watch blocks, invoking fn for every observed change until ctx is done.
	Watch(ctx context.Context, fn ChangeFunc) error
}

// Item represents a stored piece of data with metadata.
type Item struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was written
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired.
func (i *Item) IsExpired() bool {
	return i.ExpiresAt != nil && time.Now().After(*i.ExpiresAt)
}

// Option configures storage operations.
type Option func(*Options)

// Options contains configuration for storage operations.
type Options struct {
	Namespace Namespace      // Optional: specifies the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
}

// Namespace represents a storage namespace. If nil, storage operates in the
// global namespace.
type Namespace interface {
	namespace() // private method to ensure only our types implement this
}

// AppNamespace scopes data to a single application so unrelated data sharing
// the same backend is never clobbered.
type AppNamespace struct {
	App string
}

func (AppNamespace) namespace() {}

// UserNamespace scopes data to one user within an application.
type UserNamespace struct {
	App    string
	UserID string
}

func (UserNamespace) namespace() {}

// WithApp specifies the application namespace.
func WithApp(app string) Option {
	return func(opts *Options) {
		opts.Namespace = AppNamespace{App: app}
	}
}

// WithUser specifies a per-user namespace within an application.
func WithUser(app, userID string) Option {
	return func(opts *Options) {
		opts.Namespace = UserNamespace{App: app, UserID: userID}
	}
}

// WithKey specifies a specific key for Delete operations.
// If not provided, Delete removes the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// BuildKey renders the canonical flat key for a namespace + key pair. All
// backends share this layout so that keys reported by Watcher can be parsed
// back with ParseKey regardless of backend.
func BuildKey(namespace Namespace, key string) string {
	switch ns := namespace.(type) {
	case AppNamespace:
		return "app:" + ns.App + ":key:" + key
	case UserNamespace:
		return "app:" + ns.App + ":user:" + ns.UserID + ":key:" + key
	case nil:
		return "global:key:" + key
	default:
		// This should never happen due to the private namespace() method
		return "unknown:key:" + key
	}
}

// NamespacePrefix returns the flat key prefix shared by every key in the
// namespace.
func NamespacePrefix(namespace Namespace) string {
	switch ns := namespace.(type) {
	case AppNamespace:
		return "app:" + ns.App + ":"
	case UserNamespace:
		return "app:" + ns.App + ":user:" + ns.UserID + ":"
	case nil:
		return "global:"
	default:
		return "unknown:"
	}
}

// Error types
var (
	// ErrInvalidOptions is returned when incompatible options are provided.
	ErrInvalidOptions = errors.New("storage: invalid option combination")

	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: closed")
)
