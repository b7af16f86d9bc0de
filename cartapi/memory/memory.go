// Package memory is an in-process cartapi.Backend holding one cart per user.
// It supports failure injection and is used by tests and the example binary.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/storefront-go/cartapi"
	"github.com/google/uuid"
)

// UserFunc resolves the user a call acts for.
type UserFunc func(ctx context.Context) (string, error)

type productKey struct{ product, variant string }

// Backend is a cartapi.Backend.
type Backend struct {
	user UserFunc

	mu       sync.Mutex
	carts    map[string][]cartapi.Item
	catalog  map[productKey]cartapi.Item
	failAll  error
	failNext map[string]error
	calls    map[string]int
}

var _ cartapi.Backend = (*Backend)(nil)

// New returns an empty Backend.
func New(user UserFunc) *Backend {
	return &Backend{
		user:     user,
		carts:    make(map[string][]cartapi.Item),
		catalog:  make(map[productKey]cartapi.Item),
		failNext: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetProduct registers price, name, stock and status for a product variant.
// Items added afterwards carry this snapshot.
func (b *Backend) SetProduct(p cartapi.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catalog[productKey{p.ProductID, p.VariantID}] = p
}

// Seed replaces userID's cart.
func (b *Backend) Seed(userID string, items ...cartapi.Item) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]cartapi.Item, len(items))
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		out[i] = it
	}
	b.carts[userID] = out
}

// Items returns a copy of userID's cart.
func (b *Backend) Items(userID string) []cartapi.Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cartapi.Item(nil), b.carts[userID]...)
}

// Fail makes every call return err until Fail(nil).
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	b.failAll = err
	b.mu.Unlock()
}

// FailNext makes the next call of op return err. Ops are "get", "add",
// "update", "remove" and "clear".
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	b.failNext[op] = err
	b.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// enter records op and resolves the user. On success b.mu is held.
func (b *Backend) enter(ctx context.Context, op string) (string, error) {
	uid, err := b.user(ctx)
	if err != nil {
		return "", &cartapi.StatusError{Status: 401, Message: err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	b.calls[op]++
	if b.failAll != nil {
		err := b.failAll
		b.mu.Unlock()
		return "", err
	}
	if err, ok := b.failNext[op]; ok {
		delete(b.failNext, op)
		b.mu.Unlock()
		return "", err
	}
	return uid, nil
}

func (b *Backend) GetCart(ctx context.Context) (*cartapi.Cart, error) {
	uid, err := b.enter(ctx, "get")
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	return &cartapi.Cart{Items: append([]cartapi.Item(nil), b.carts[uid]...)}, nil
}

func (b *Backend) AddItem(ctx context.Context, in cartapi.AddItemInput) (*cartapi.Item, error) {
	uid, err := b.enter(ctx, "add")
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	if in.Quantity < 1 {
		return nil, &cartapi.StatusError{Status: 422, Code: "invalid_quantity", Message: "quantity must be positive"}
	}

	items := b.carts[uid]
	for i := range items {
		if items[i].ProductID == in.ProductID && items[i].VariantID == in.VariantID {
			if err := b.checkStock(in.ProductID, in.VariantID, items[i].Quantity+in.Quantity); err != nil {
				return nil, err
			}
			items[i].Quantity += in.Quantity
			out := items[i]
			return &out, nil
		}
	}
	if err := b.checkStock(in.ProductID, in.VariantID, in.Quantity); err != nil {
		return nil, err
	}
	it := b.catalog[productKey{in.ProductID, in.VariantID}]
	it.ID = uuid.NewString()
	it.ProductID, it.VariantID, it.Quantity = in.ProductID, in.VariantID, in.Quantity
	b.carts[uid] = append(items, it)
	return &it, nil
}

func (b *Backend) UpdateItem(ctx context.Context, itemID string, quantity int) (*cartapi.Item, error) {
	uid, err := b.enter(ctx, "update")
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()
	items := b.carts[uid]
	for i := range items {
		if items[i].ID != itemID {
			continue
		}
		if quantity < 1 {
			b.carts[uid] = append(items[:i:i], items[i+1:]...)
			return &cartapi.Item{ID: itemID}, nil
		}
		if err := b.checkStock(items[i].ProductID, items[i].VariantID, quantity); err != nil {
			return nil, err
		}
		items[i].Quantity = quantity
		out := items[i]
		return &out, nil
	}
	return nil, &cartapi.StatusError{Status: 404, Message: "item not found"}
}

func (b *Backend) RemoveItem(ctx context.Context, itemID string) error {
	uid, err := b.enter(ctx, "remove")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	items := b.carts[uid]
	for i := range items {
		if items[i].ID == itemID {
			b.carts[uid] = append(items[:i:i], items[i+1:]...)
			return nil
		}
	}
	return &cartapi.StatusError{Status: 404, Message: "item not found"}
}

func (b *Backend) ClearCart(ctx context.Context) error {
	uid, err := b.enter(ctx, "clear")
	if err != nil {
		return err
	}
	defer b.mu.Unlock()
	delete(b.carts, uid)
	return nil
}

// checkStock is called with b.mu held.
func (b *Backend) checkStock(product, variant string, qty int) error {
	p, ok := b.catalog[productKey{product, variant}]
	if !ok {
		return nil
	}
	if p.Status != "" && p.Status != "active" {
		return &cartapi.StatusError{Status: 422, Code: "product_unavailable", Message: "product is not available"}
	}
	if p.Stock != nil && qty > *p.Stock {
		return &cartapi.StatusError{Status: 409, Code: "out_of_stock", Message: "not enough stock"}
	}
	return nil
}
