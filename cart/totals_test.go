package cart

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func price(n int64) *int64 { return &n }

func TestTotalsShippingThreshold(t *testing.T) {
	lines := []Line{
		{Key: "a", Quantity: 2, UnitPrice: 500},
		{Key: "b", Quantity: 1, UnitPrice: 1500},
	}
	got := ComputeTotals(lines, nil, DefaultPricing())
	assert.Equal(t, Totals{ItemCount: 3, Subtotal: 2500, Shipping: 99, Total: 2599}, got)

	lines[1].Quantity = 2
	got = ComputeTotals(lines, nil, DefaultPricing())
	assert.Equal(t, Totals{ItemCount: 4, Subtotal: 4000, Shipping: 0, Total: 4000}, got)
}

func TestTotalsUsesSalePrice(t *testing.T) {
	lines := []Line{{Key: "a", Quantity: 3, UnitPrice: 1000, SalePrice: price(800)}}
	got := ComputeTotals(lines, nil, DefaultPricing())
	assert.EqualValues(t, 2400, got.Subtotal)
	assert.EqualValues(t, 99, got.Shipping)
}

func TestTotalsTaxAndDiscount(t *testing.T) {
	p := Pricing{FreeShippingThreshold: 2999, ShippingFee: 99, TaxRateBPS: 825}
	lines := []Line{{Key: "a", Quantity: 1, UnitPrice: 3003}}

	got := ComputeTotals(lines, &Discount{Code: "TEN", PercentOff: 10}, p)
	assert.EqualValues(t, 248, got.Tax) // 247.75 rounds up
	assert.EqualValues(t, 300, got.Discount)
	assert.EqualValues(t, 3003+248-300, got.Total)

	got = ComputeTotals(lines, &Discount{Code: "ALL", AmountOff: 10_000}, p)
	assert.EqualValues(t, 3003, got.Discount)
	assert.EqualValues(t, 248, got.Total)
}

func TestTotalsEmptyCart(t *testing.T) {
	assert.Equal(t, Totals{}, ComputeTotals(nil, &Discount{Code: "X", AmountOff: 5}, DefaultPricing()))
}
