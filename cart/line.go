// Package cart holds the storefront cart: an optimistic, locally persisted
// list of lines with derived totals, a command log of mutations awaiting
// push to the server cart, and the Syncer that drains it.
package cart

import (
	"github.com/ggoodman/storefront-go/cartapi"
)

// ProductActive is the only product status that can be added to a cart.
const ProductActive = "active"

// Product is the catalog view of a purchasable variant at add time.
type Product struct {
	ID        string `json:"id"`
	VariantID string `json:"variant_id,omitempty"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	SalePrice *int64 `json:"sale_price,omitempty"`
	// Stock is nil when unknown; unknown stock is never enforced.
	Stock  *int   `json:"stock,omitempty"`
	Status string `json:"status"`
}

// LineKey identifies a line: one per (product, variant).
type LineKey string

// KeyOf returns the line key for a product variant.
func KeyOf(productID, variantID string) LineKey {
	if variantID == "" {
		return LineKey(productID)
	}
	return LineKey(productID + ":" + variantID)
}

// Line is one cart entry with the price snapshot taken when it was added.
type Line struct {
	Key       LineKey `json:"key"`
	ProductID string  `json:"product_id"`
	VariantID string  `json:"variant_id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Quantity  int     `json:"quantity"`
	UnitPrice int64   `json:"unit_price"`
	SalePrice *int64  `json:"sale_price,omitempty"`
	Stock     *int    `json:"stock,omitempty"`
	Status    string  `json:"status,omitempty"`
	// ServerID is the server cart item ID once known.
	ServerID string `json:"server_id,omitempty"`
}

// Price is the effective unit price.
func (l Line) Price() int64 {
	if l.SalePrice != nil {
		return *l.SalePrice
	}
	return l.UnitPrice
}

// Product returns the catalog snapshot the line carries.
func (l Line) Product() Product {
	return Product{
		ID:        l.ProductID,
		VariantID: l.VariantID,
		Name:      l.Name,
		UnitPrice: l.UnitPrice,
		SalePrice: l.SalePrice,
		Stock:     l.Stock,
		Status:    l.Status,
	}
}

func lineFor(p Product, qty int) Line {
	return Line{
		Key:       KeyOf(p.ID, p.VariantID),
		ProductID: p.ID,
		VariantID: p.VariantID,
		Name:      p.Name,
		Quantity:  qty,
		UnitPrice: p.UnitPrice,
		SalePrice: p.SalePrice,
		Stock:     p.Stock,
		Status:    p.Status,
	}
}

// LineFromItem converts a server cart item.
func LineFromItem(it cartapi.Item) Line {
	return Line{
		Key:       KeyOf(it.ProductID, it.VariantID),
		ProductID: it.ProductID,
		VariantID: it.VariantID,
		Name:      it.Name,
		Quantity:  it.Quantity,
		UnitPrice: it.UnitPrice,
		SalePrice: it.SalePrice,
		Stock:     it.Stock,
		Status:    it.Status,
		ServerID:  it.ID,
	}
}

// Validate checks that qty units of p may be in a cart. Only an active
// product may be added; a product with no known status is unavailable.
func Validate(p Product, qty int) error {
	if qty < 1 {
		return ErrInvalidQuantity
	}
	if p.Status != ProductActive {
		return ErrProductUnavailable
	}
	if p.Stock != nil && qty > *p.Stock {
		return &StockError{Requested: qty, Available: *p.Stock}
	}
	return nil
}

func cloneLines(in []Line) []Line {
	if in == nil {
		return nil
	}
	return append([]Line(nil), in...)
}
