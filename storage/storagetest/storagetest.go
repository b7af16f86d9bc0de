// Package storagetest provides a conformance suite that every storage.Storage
// backend must pass.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/storefront-go/storage"
)

// Factory creates a new, empty storage instance for testing.
type Factory func(t *testing.T) storage.Storage

// RunStorageTests runs the complete Storage test suite against the provided factory.
func RunStorageTests(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory) })
	t.Run("GetMissingReturnsNil", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("SetReplacesWholeValue", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("TTLExpiry", func(t *testing.T) { testTTL(t, factory) })
	t.Run("NamespaceIsolation", func(t *testing.T) { testNamespaceIsolation(t, factory) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("DeleteMissingKeyIsNoop", func(t *testing.T) { testDeleteMissing(t, factory) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory) })
	t.Run("Scope_JSONRoundTrip", func(t *testing.T) { testScope(t, factory) })
	t.Run("Watch_ObservesWrites", func(t *testing.T) { testWatch(t, factory) })
}

func testSetAndGet(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "cart", []byte(`{"lines":[]}`), storage.WithApp("shop")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "cart", storage.WithApp("shop"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if string(item.Data) != `{"lines":[]}` {
		t.Fatalf("Get() returned wrong data: got %s", item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be populated")
	}
}

func testGetMissing(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()

	item, err := s.Get(context.Background(), "nope", storage.WithApp("shop"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected nil item, got %+v", item)
	}
}

func testOverwrite(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "session", []byte("first-value-longer"), storage.WithApp("shop")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "session", []byte("second"), storage.WithApp("shop")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "session", storage.WithApp("shop"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "second" {
		t.Fatalf("expected last write to win, got %+v", item)
	}
}

func testTTL(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	if err := s.Set(ctx, "short", []byte("x"), storage.WithApp("shop"), storage.WithTTL(50*time.Millisecond)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "short", storage.WithApp("shop"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || item.ExpiresAt == nil {
		t.Fatalf("expected item with expiry, got %+v", item)
	}

	time.Sleep(1100 * time.Millisecond)

	item, err = s.Get(ctx, "short", storage.WithApp("shop"))
	if err != nil {
		t.Fatalf("Get() after expiry failed: %v", err)
	}
	if item != nil {
		t.Fatalf("expected expired item to be nil, got %s", item.Data)
	}
}

func testNamespaceIsolation(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	writes := []struct {
		val  string
		opts []storage.Option
	}{
		{"global", nil},
		{"shop", []storage.Option{storage.WithApp("shop")}},
		{"other", []storage.Option{storage.WithApp("other")}},
		{"user", []storage.Option{storage.WithUser("shop", "u1")}},
	}
	for _, w := range writes {
		if err := s.Set(ctx, "k", []byte(w.val), w.opts...); err != nil {
			t.Fatalf("Set(%s) failed: %v", w.val, err)
		}
	}
	for _, w := range writes {
		item, err := s.Get(ctx, "k", w.opts...)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", w.val, err)
		}
		if item == nil || string(item.Data) != w.val {
			t.Fatalf("namespace %s clobbered: got %+v", w.val, item)
		}
	}
}

func testDeleteKey(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithApp("shop"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithApp("shop"))

	if err := s.Delete(ctx, storage.WithApp("shop"), storage.WithKey("a")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "a", storage.WithApp("shop")); item != nil {
		t.Fatal("expected a to be deleted")
	}
	if item, _ := s.Get(ctx, "b", storage.WithApp("shop")); item == nil {
		t.Fatal("expected b to survive")
	}
}

func testDeleteMissing(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()

	if err := s.Delete(context.Background(), storage.WithApp("shop"), storage.WithKey("ghost")); err != nil {
		t.Fatalf("Delete() of missing key failed: %v", err)
	}
}

func testDeleteNamespace(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()

	_ = s.Set(ctx, "a", []byte("1"), storage.WithUser("shop", "u1"))
	_ = s.Set(ctx, "b", []byte("2"), storage.WithUser("shop", "u1"))
	_ = s.Set(ctx, "a", []byte("3"), storage.WithUser("shop", "u2"))

	if err := s.Delete(ctx, storage.WithUser("shop", "u1")); err != nil {
		t.Fatalf("Delete(namespace) failed: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if item, _ := s.Get(ctx, k, storage.WithUser("shop", "u1")); item != nil {
			t.Fatalf("expected %s removed from u1", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithUser("shop", "u2")); item == nil {
		t.Fatal("expected u2 data to survive")
	}
}

func testScope(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()
	ctx := context.Background()
	scope := storage.NewScope(s, "shop")

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	var got doc
	found, err := scope.GetJSON(ctx, "doc", &got)
	if err != nil || found {
		t.Fatalf("expected missing doc, found=%v err=%v", found, err)
	}
	if err := scope.SetJSON(ctx, "doc", doc{Name: "n", Count: 2}); err != nil {
		t.Fatalf("SetJSON() failed: %v", err)
	}
	found, err = scope.GetJSON(ctx, "doc", &got)
	if err != nil || !found {
		t.Fatalf("expected doc, found=%v err=%v", found, err)
	}
	if got.Name != "n" || got.Count != 2 {
		t.Fatalf("unexpected doc: %+v", got)
	}
	if err := scope.Remove(ctx, "doc"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if found, _ := scope.GetJSON(ctx, "doc", &got); found {
		t.Fatal("expected doc removed")
	}
}

func testWatch(t *testing.T, factory Factory) {
	s := factory(t)
	defer s.Close()

	if _, ok := s.(storage.Watcher); !ok {
		t.Skip("backend does not implement storage.Watcher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	scope := storage.NewScope(s, "shop")

	var mu sync.Mutex
	var seen []string
	got := make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		done <- scope.Watch(ctx, func(ctx context.Context, key string) {
			mu.Lock()
			seen = append(seen, key)
			mu.Unlock()
			select {
			case got <- struct{}{}:
			default:
			}
		})
	}()

	// Give the watcher time to register.
	time.Sleep(200 * time.Millisecond)

	if err := scope.SetJSON(ctx, "cart", map[string]int{"n": 1}); err != nil {
		t.Fatalf("SetJSON() failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not observe write")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, k := range seen {
		if k == "cart" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected change for key cart, saw %v", seen)
	}
}
