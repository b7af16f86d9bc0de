// Package cartapi defines the server-side cart backend the storefront syncs
// with.
package cartapi

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrItemNotFound = errors.New("cartapi: item not found")
	ErrUnauthorized = errors.New("cartapi: unauthorized")
	ErrOutOfStock   = errors.New("cartapi: out of stock")
	ErrUnavailable  = errors.New("cartapi: backend unavailable")
)

// Item is one server cart line.
type Item struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	// Prices are integer minor units.
	UnitPrice int64  `json:"unit_price"`
	SalePrice *int64 `json:"sale_price,omitempty"`
	// Stock is nil when the backend does not report it.
	Stock  *int   `json:"stock,omitempty"`
	Status string `json:"status,omitempty"`
}

// Cart is the authoritative server cart for one user.
type Cart struct {
	Items []Item `json:"items"`
}

// AddItemInput is the body of an add-item request.
type AddItemInput struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

// Backend is the cart REST surface. Every call acts on the cart of the
// currently authenticated user.
type Backend interface {
	GetCart(ctx context.Context) (*Cart, error)
	AddItem(ctx context.Context, in AddItemInput) (*Item, error)
	UpdateItem(ctx context.Context, itemID string, quantity int) (*Item, error)
	RemoveItem(ctx context.Context, itemID string) error
	ClearCart(ctx context.Context) error
}

// TokenSource supplies the bearer token for backend calls.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cartapi: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("cartapi: status %d: %s", e.Status, e.Message)
}

// Unwrap maps the status onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.Status == 401 || e.Status == 403:
		return ErrUnauthorized
	case e.Status == 404:
		return ErrItemNotFound
	case e.Status == 409 || e.Status == 422:
		if e.Code == "" || e.Code == "out_of_stock" || e.Code == "insufficient_stock" {
			return ErrOutOfStock
		}
	case e.Status == 429 || e.Status >= 500:
		return ErrUnavailable
	}
	return nil
}

// Find returns the item for (productID, variantID), or nil.
func (c *Cart) Find(productID, variantID string) *Item {
	if c == nil {
		return nil
	}
	for i := range c.Items {
		if c.Items[i].ProductID == productID && c.Items[i].VariantID == variantID {
			return &c.Items[i]
		}
	}
	return nil
}
