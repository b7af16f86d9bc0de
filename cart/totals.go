package cart

// Pricing holds the shop-wide inputs to Totals. Money is integer minor units.
type Pricing struct {
	FreeShippingThreshold int64
	ShippingFee           int64
	// TaxRateBPS is the tax rate in basis points.
	TaxRateBPS int64
}

// DefaultPricing returns a 2999 free-shipping threshold, a 99 shipping fee
// and no tax.
func DefaultPricing() Pricing {
	return Pricing{FreeShippingThreshold: 2999, ShippingFee: 99}
}

// Discount is a promotion applied to the cart subtotal.
type Discount struct {
	Code       string `json:"code"`
	PercentOff int    `json:"percent_off,omitempty"`
	AmountOff  int64  `json:"amount_off,omitempty"`
}

func (d Discount) valid() bool {
	return d.Code != "" && d.PercentOff >= 0 && d.PercentOff <= 100 && d.AmountOff >= 0
}

// Totals are derived from the lines and never stored.
type Totals struct {
	ItemCount int   `json:"item_count"`
	Subtotal  int64 `json:"subtotal"`
	Shipping  int64 `json:"shipping"`
	Tax       int64 `json:"tax"`
	Discount  int64 `json:"discount"`
	Total     int64 `json:"total"`
}

// ComputeTotals prices lines. An empty cart costs nothing.
func ComputeTotals(lines []Line, d *Discount, p Pricing) Totals {
	var t Totals
	for _, l := range lines {
		t.ItemCount += l.Quantity
		t.Subtotal += l.Price() * int64(l.Quantity)
	}
	if t.ItemCount == 0 {
		return t
	}
	if t.Subtotal < p.FreeShippingThreshold {
		t.Shipping = p.ShippingFee
	}
	t.Tax = (t.Subtotal*p.TaxRateBPS + 5000) / 10000
	if d != nil {
		t.Discount = min((t.Subtotal*int64(d.PercentOff)+50)/100+d.AmountOff, t.Subtotal)
	}
	t.Total = max(t.Subtotal+t.Shipping+t.Tax-t.Discount, 0)
	return t
}
