package redis

import (
	"context"
	"testing"

	"github.com/ggoodman/storefront-go/storage"
	"github.com/ggoodman/storefront-go/storage/storagetest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStorage(t *testing.T) {
	// Skip test if Redis is not available
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 2})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = rdb.Close()

	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 2})
		// Unique prefix per test so suites don't observe each other.
		s, err := New(Config{Client: client, KeyPrefix: "storefront:test:" + uuid.NewString() + ":"})
		if err != nil {
			t.Fatalf("Failed to create Redis storage: %v", err)
		}
		return s
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
