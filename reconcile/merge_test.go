package reconcile

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/ggoodman/storefront-go/cart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func line(product string, qty int) cart.Line {
	return cart.Line{Key: cart.KeyOf(product, ""), ProductID: product, Quantity: qty, UnitPrice: 100, Status: cart.ProductActive}
}

func randomLines(rng *rand.Rand, prefix string) []cart.Line {
	seen := map[string]bool{}
	var out []cart.Line
	for i := rng.IntN(6); i > 0; i-- {
		p := fmt.Sprintf("p%d", rng.IntN(8))
		if seen[p] {
			continue
		}
		seen[p] = true
		l := line(p, 1+rng.IntN(5))
		l.ServerID = prefix + p
		out = append(out, l)
	}
	return out
}

func TestMergeTakesMaxAndUnion(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 300; i++ {
		guest, server := randomLines(rng, ""), randomLines(rng, "srv-")
		res := Merge(guest, server, nil)

		want := map[cart.LineKey]int{}
		for _, l := range server {
			want[l.Key] = l.Quantity
		}
		for _, l := range guest {
			want[l.Key] = max(want[l.Key], l.Quantity)
		}

		got := map[cart.LineKey]int{}
		for _, l := range res.Lines {
			_, dup := got[l.Key]
			require.False(t, dup, "duplicate key %s", l.Key)
			got[l.Key] = l.Quantity
		}
		require.Equal(t, want, got)
	}
}

func TestMergeReportsServerWrites(t *testing.T) {
	server := []cart.Line{line("a", 2), line("b", 5)}
	server[0].ServerID, server[1].ServerID = "srv-a", "srv-b"
	guest := []cart.Line{line("b", 3), line("a", 4), line("c", 1)}

	res := Merge(guest, server, nil)
	require.Len(t, res.Lines, 3)
	assert.Equal(t, []cart.LineKey{"a", "b", "c"}, []cart.LineKey{res.Lines[0].Key, res.Lines[1].Key, res.Lines[2].Key})

	require.Len(t, res.Raise, 1)
	assert.Equal(t, "srv-a", res.Raise[0].ServerID)
	assert.Equal(t, 4, res.Raise[0].Quantity)
	require.Len(t, res.Add, 1)
	assert.Equal(t, cart.LineKey("c"), res.Add[0].Key)
}

func TestMergeValidatesGuestOnlyLines(t *testing.T) {
	n := 3
	guest := []cart.Line{line("a", 1), line("b", 5)}
	guest[1].Stock = &n
	server := []cart.Line{line("a", 1)}

	res := Merge(guest, server, func(l cart.Line) (cart.Line, error) {
		return l, cart.Validate(l.Product(), l.Quantity)
	})
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, cart.LineKey("b"), res.Skipped[0].Line.Key)
	assert.ErrorIs(t, res.Skipped[0].Err, cart.ErrOutOfStock)
	assert.Len(t, res.Lines, 1)
}
