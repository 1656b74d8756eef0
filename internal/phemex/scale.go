package phemex

import "github.com/shopspring/decimal"

// PriceScale is the number of implied decimal places of Ep price fields.
const PriceScale = 4

// FromEp converts a scaled price (priceEp, avgEntryPriceEp/Rp on the stream) to a decimal.
func FromEp(v decimal.Decimal) decimal.Decimal {
	return v.Shift(-PriceScale)
}

// FromScaled converts a tick value: last / 10^scale.
func FromScaled(last int64, scale int32) decimal.Decimal {
	return decimal.New(last, -scale)
}
