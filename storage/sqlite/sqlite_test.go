package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ggoodman/storefront-go/storage"
	"github.com/ggoodman/storefront-go/storage/storagetest"
)

func TestSQLiteStorage(t *testing.T) {
	storagetest.RunStorageTests(t, func(t *testing.T) storage.Storage {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
		if err != nil {
			t.Fatalf("Open() failed: %v", err)
		}
		return s
	})
}

func TestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kv.db")

	s1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s1.Set(ctx, "session", []byte("v"), storage.WithApp("shop")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	_ = s1.Close()

	s2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s2.Close()

	item, err := s2.Get(ctx, "session", storage.WithApp("shop"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "v" {
		t.Fatalf("expected value after reopen, got %+v", item)
	}
}
