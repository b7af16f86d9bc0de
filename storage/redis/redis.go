// Package redis provides a Redis-based implementation of the storage.Storage
// interface. Every write is announced on a Pub/Sub channel so that other
// processes sharing the same Redis can re-read instead of trusting stale
// in-memory copies.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/storefront-go/storage"
	"github.com/redis/go-redis/v9"
)

// Config contains configuration options for the Redis storage.
type Config struct {
	// Client is the Redis client instance.
	Client redis.UniversalClient

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "storefront:storage:"
	KeyPrefix string
}

// Storage implements the storage.Storage interface using Redis.
type Storage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// storedItem represents the structure stored in Redis.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a new Redis-based storage instance.
func New(config Config) (*Storage, error) {
	if config.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "storefront:storage:"
	}

	return &Storage{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
	}, nil
}

func (s *Storage) changesChannel() string { return s.keyPrefix + "changes" }

// Get retrieves data for a specific key within the given namespace.
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)
	redisKey := s.keyPrefix + storage.BuildKey(options.Namespace, key)

	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key %s: %w", redisKey, err)
	}

	var item storedItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored data: %w", err)
	}

	out := &storage.Item{
		Data:      item.Data,
		CreatedAt: item.CreatedAt,
		ExpiresAt: item.ExpiresAt,
	}

	if out.IsExpired() {
		s.client.Del(ctx, redisKey)
		return nil, nil
	}

	return out, nil
}

// Set stores data for a specific key within the given namespace.
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)
	flatKey := storage.BuildKey(options.Namespace, key)
	redisKey := s.keyPrefix + flatKey

	now := time.Now()
	item := storedItem{
		Data:      data,
		CreatedAt: now,
	}

	var redisTTL time.Duration
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
		redisTTL = *options.TTL
	}

	itemData, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal storage item: %w", err)
	}

	if err := s.client.Set(ctx, redisKey, itemData, redisTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", redisKey, err)
	}

	s.announce(ctx, flatKey)
	return nil
}

// Delete removes data within the given namespace.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	if options.Key != nil {
		flatKey := storage.BuildKey(options.Namespace, *options.Key)
		n, err := s.client.Del(ctx, s.keyPrefix+flatKey).Result()
		if err != nil {
			return fmt.Errorf("failed to delete key %s: %w", flatKey, err)
		}
		if n > 0 {
			s.announce(ctx, flatKey)
		}
		return nil
	}

	pattern := s.keyPrefix + storage.NamespacePrefix(options.Namespace) + "*"
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("failed to scan keys for pattern %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	for _, k := range keys {
		s.announce(ctx, strings.TrimPrefix(k, s.keyPrefix))
	}
	return nil
}

// Watch implements storage.Watcher using Redis Pub/Sub.
func (s *Storage) Watch(ctx context.Context, fn storage.ChangeFunc) error {
	sub := s.client.Subscribe(ctx, s.changesChannel())
	defer sub.Close()

	// Wait for the subscription to be confirmed so writes issued after Watch
	// starts are not missed.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.changesChannel(), err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return storage.ErrClosed
			}
			fn(ctx, msg.Payload)
		}
	}
}

// Close closes the storage backend and releases resources.
func (s *Storage) Close() error {
	return s.client.Close()
}

// announce publishes a change notification. Failure only delays other
// readers until their next explicit reload, so it is not surfaced.
func (s *Storage) announce(ctx context.Context, flatKey string) {
	_ = s.client.Publish(context.WithoutCancel(ctx), s.changesChannel(), flatKey).Err()
}

// scanKeys uses Redis SCAN to find all keys matching a pattern.
func (s *Storage) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64

	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

// Compile-time interface checks
var (
	_ storage.Storage = (*Storage)(nil)
	_ storage.Watcher = (*Storage)(nil)
)
