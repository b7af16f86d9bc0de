package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ggoodman/storefront-go/cart"
	"github.com/ggoodman/storefront-go/cartapi"
	cartmem "github.com/ggoodman/storefront-go/cartapi/memory"
	"github.com/ggoodman/storefront-go/notice"
	"github.com/ggoodman/storefront-go/reconcile"
	"github.com/ggoodman/storefront-go/session"
	"github.com/ggoodman/storefront-go/storage"
	"github.com/ggoodman/storefront-go/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(n int) *int { return &n }

var (
	mug   = cart.Product{ID: "mug", Name: "Mug", UnitPrice: 500, Stock: intp(10), Status: cart.ProductActive}
	hat   = cart.Product{ID: "hat", Name: "Hat", UnitPrice: 900, Status: cart.ProductActive}
	shirt = cartapi.Item{ProductID: "shirt", VariantID: "m", Name: "Shirt", UnitPrice: 1500, Status: cart.ProductActive}
)

type fixture struct {
	store   *storage.Scope
	cart    *cart.Holder
	backend *cartmem.Backend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem, err := memory.New(128)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	store := storage.NewScope(mem, "shop")
	h, err := cart.NewHolder(store)
	require.NoError(t, err)
	backend := cartmem.New(func(context.Context) (string, error) { return "user-1", nil })
	backend.SetProduct(shirt)
	return &fixture{store: store, cart: h, backend: backend}
}

func (f *fixture) guest(t *testing.T, p cart.Product, qty int) {
	t.Helper()
	_, err := f.cart.AddItem(context.Background(), p, qty)
	require.NoError(t, err)
}

func quantities(items []cartapi.Item) map[string]int {
	out := map[string]int{}
	for _, it := range items {
		out[string(cart.KeyOf(it.ProductID, it.VariantID))] += it.Quantity
	}
	return out
}

func TestRunMergesGuestIntoServer(t *testing.T) {
	f := newFixture(t)
	f.guest(t, mug, 3)
	f.guest(t, hat, 1)
	f.backend.Seed("user-1",
		cartapi.Item{ProductID: "mug", Quantity: 1, UnitPrice: 500},
		cartapi.Item{ProductID: "shirt", VariantID: "m", Quantity: 2, UnitPrice: 1500},
	)
	r := reconcile.New(f.cart, f.backend)

	require.NoError(t, r.Run(context.Background(), "user-1", 1))

	want := map[string]int{"mug": 3, "shirt:m": 2, "hat": 1}
	assert.Equal(t, want, quantities(f.backend.Items("user-1")))

	snap := f.cart.Snapshot()
	assert.Equal(t, "user-1", snap.Owner)
	assert.False(t, snap.Reconciling)
	got := map[string]int{}
	for _, l := range snap.Lines {
		got[string(l.Key)] = l.Quantity
		assert.NotEmpty(t, l.ServerID, "line %s", l.Key)
	}
	assert.Equal(t, want, got)

	found, err := f.store.GetJSON(context.Background(), cart.GuestKey, &map[string]any{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOncePerGeneration(t *testing.T) {
	f := newFixture(t)
	f.guest(t, mug, 2)
	r := reconcile.New(f.cart, f.backend)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Run(ctx, "user-1", 4))
		}()
	}
	wg.Wait()
	require.NoError(t, r.Run(ctx, "user-1", 4))

	assert.Equal(t, 1, f.backend.Calls("get"))
	assert.Equal(t, map[string]int{"mug": 2}, quantities(f.backend.Items("user-1")))

	require.NoError(t, r.Run(ctx, "user-1", 6))
	assert.Equal(t, 2, f.backend.Calls("get"))
	assert.Equal(t, map[string]int{"mug": 2}, quantities(f.backend.Items("user-1")), "a second merge does not double quantities")
}

func TestFetchFailureKeepsGuestCartAndRetries(t *testing.T) {
	f := newFixture(t)
	f.guest(t, mug, 2)
	r := reconcile.New(f.cart, f.backend)
	ctx := context.Background()

	f.backend.FailNext("get", &cartapi.StatusError{Status: 503})
	err := r.Run(ctx, "user-1", 1)
	assert.ErrorIs(t, err, reconcile.ErrReconciliationFailed)
	assert.ErrorIs(t, err, cartapi.ErrUnavailable)

	snap := f.cart.Snapshot()
	assert.Empty(t, snap.Owner)
	assert.False(t, snap.Reconciling)
	require.Len(t, snap.Lines, 1)

	require.NoError(t, r.Run(ctx, "user-1", 1))
	assert.Equal(t, map[string]int{"mug": 2}, quantities(f.backend.Items("user-1")))
}

func TestPartialPersistFailureConvergesOnRetry(t *testing.T) {
	f := newFixture(t)
	f.guest(t, mug, 2)
	f.guest(t, hat, 1)
	ctx := context.Background()

	// First add lands, second fails.
	calls := 0
	failing := &flakyBackend{Backend: f.backend, failAdd: func() bool { calls++; return calls == 2 }}
	r := reconcile.New(f.cart, failing)
	require.Error(t, r.Run(ctx, "user-1", 1))
	assert.Equal(t, map[string]int{"mug": 2}, quantities(f.backend.Items("user-1")))
	assert.Empty(t, f.cart.Owner())

	require.NoError(t, r.Run(ctx, "user-1", 1))
	assert.Equal(t, map[string]int{"mug": 2, "hat": 1}, quantities(f.backend.Items("user-1")))
}

type flakyBackend struct {
	*cartmem.Backend
	failAdd func() bool
}

func (b *flakyBackend) AddItem(ctx context.Context, in cartapi.AddItemInput) (*cartapi.Item, error) {
	if b.failAdd() {
		return nil, &cartapi.StatusError{Status: 500}
	}
	return b.Backend.AddItem(ctx, in)
}

func TestRepeatedFailuresRaiseNotice(t *testing.T) {
	f := newFixture(t)
	bus := notice.NewBus(4, nil)
	r := reconcile.New(f.cart, f.backend, reconcile.WithNotices(bus))
	f.backend.Fail(errors.New("down"))

	for i := 0; i < 2; i++ {
		require.Error(t, r.Run(context.Background(), "user-1", 1))
	}
	select {
	case n := <-bus.C():
		t.Fatalf("unexpected notice %v", n)
	default:
	}

	require.Error(t, r.Run(context.Background(), "user-1", 1))
	n := <-bus.C()
	assert.Equal(t, notice.ReconcileFailing, n.Kind)
}

type fixedSession struct{ st session.State }

func (s fixedSession) State() session.State { return s.st }

func TestSessionChangeAbortsRun(t *testing.T) {
	f := newFixture(t)
	f.guest(t, mug, 1)
	now := fixedSession{session.State{Status: session.StatusUnauthenticated, Generation: 2}}
	r := reconcile.New(f.cart, f.backend, reconcile.WithSession(now))

	assert.ErrorIs(t, r.Run(context.Background(), "user-1", 1), reconcile.ErrReconciliationFailed)
	assert.Empty(t, f.cart.Owner())
	assert.False(t, f.cart.Snapshot().Reconciling)
}

type catalog map[string]cart.Product

func (c catalog) Lookup(_ context.Context, productID, _ string) (cart.Product, error) {
	p, ok := c[productID]
	if !ok {
		return cart.Product{}, errors.New("unknown product")
	}
	return p, nil
}

func TestUnavailableGuestLineIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.guest(t, mug, 1)
	f.guest(t, hat, 1)
	archived := hat
	archived.Status = "archived"
	r := reconcile.New(f.cart, f.backend, reconcile.WithCatalog(catalog{"hat": archived}))

	require.NoError(t, r.Run(context.Background(), "user-1", 1))
	assert.Equal(t, map[string]int{"mug": 1}, quantities(f.backend.Items("user-1")))
	assert.Len(t, f.cart.Lines(), 1)
}

func TestGuestLineWithUnknownStatusIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.Seed("user-1", cartapi.Item{ProductID: "cap", Quantity: 2, UnitPrice: 700})
	r := reconcile.New(f.cart, f.backend)
	require.NoError(t, r.Run(ctx, "user-1", 1))
	require.Len(t, f.cart.Lines(), 1)

	// The server line outlives the session as a guest line with no status,
	// and the server cart is emptied elsewhere before the next sign-in.
	f.cart.Detach(ctx)
	f.backend.Seed("user-1")
	f.guest(t, mug, 1)

	require.NoError(t, r.Run(ctx, "user-1", 2))
	assert.Equal(t, map[string]int{"mug": 1}, quantities(f.backend.Items("user-1")))
	require.Len(t, f.cart.Lines(), 1)
	assert.Equal(t, cart.LineKey("mug"), f.cart.Lines()[0].Key)
}
