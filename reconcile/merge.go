// Package reconcile merges a guest cart into the server cart of a user who
// just signed in.
package reconcile

import (
	"github.com/ggoodman/storefront-go/cart"
)

// ValidateFunc checks a guest-only line before it is added to the server
// cart and may refresh its stock snapshot.
type ValidateFunc func(cart.Line) (cart.Line, error)

// Skipped is a guest line left out of the merge.
type Skipped struct {
	Line cart.Line
	Err  error
}

// Result is the outcome of Merge.
type Result struct {
	// Lines is the merged cart: server lines in server order, then guest-only
	// lines in guest order.
	Lines []cart.Line
	// Add lists guest-only lines the server cart lacks.
	Add []cart.Line
	// Raise lists shared lines whose server quantity must grow to the guest
	// quantity.
	Raise   []cart.Line
	Skipped []Skipped
}

// Merge combines guest and server lines. A key present in both gets the
// larger quantity; every other key is kept. validate may be nil.
func Merge(guest, server []cart.Line, validate ValidateFunc) Result {
	var res Result
	idx := make(map[cart.LineKey]int, len(server))
	for _, l := range server {
		idx[l.Key] = len(res.Lines)
		res.Lines = append(res.Lines, l)
	}

	for _, g := range guest {
		if i, ok := idx[g.Key]; ok {
			if g.Quantity > res.Lines[i].Quantity {
				res.Lines[i].Quantity = g.Quantity
				res.Raise = append(res.Raise, res.Lines[i])
			}
			continue
		}
		if validate != nil {
			v, err := validate(g)
			if err != nil {
				res.Skipped = append(res.Skipped, Skipped{Line: g, Err: err})
				continue
			}
			g = v
		}
		g.ServerID = ""
		idx[g.Key] = len(res.Lines)
		res.Lines = append(res.Lines, g)
		res.Add = append(res.Add, g)
	}
	return res
}
