package cart

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity    = errors.New("cart: quantity must be at least 1")
	ErrProductUnavailable = errors.New("cart: product is not available")
	ErrOutOfStock         = errors.New("cart: not enough stock")
	ErrLineNotFound       = errors.New("cart: line not found")
	ErrInvalidDiscount    = errors.New("cart: invalid discount")
	ErrReconcileActive    = errors.New("cart: reconciliation already in progress")
)

// StockError reports how much stock was available.
type StockError struct {
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("cart: not enough stock: requested %d, %d available", e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrOutOfStock }

// ErrNotReconciling is returned by CompleteReconcile without a matching
// BeginReconcile.
var ErrNotReconciling = errors.New("cart: no reconciliation in progress")
