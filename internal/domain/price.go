package domain

import "github.com/shopspring/decimal"

// Price USD price of an asset that is either known or unknown.
// A zero or negative quote is never a valid price.
type Price struct {
	value decimal.Decimal
	known bool
}

// KnownPrice wraps a quote. Non-positive values produce an unknown price.
func KnownPrice(v decimal.Decimal) Price {
	if !v.IsPositive() {
		return Price{}
	}

	return Price{value: v, known: true}
}

// UnknownPrice price that cannot be used for valuation.
func UnknownPrice() Price {
	return Price{}
}

// Value returns the price and whether it is known.
func (p Price) Value() (decimal.Decimal, bool) {
	return p.value, p.known
}

// IsKnown reports whether the price can be used.
func (p Price) IsKnown() bool {
	return p.known
}

func (p Price) String() string {
	if !p.known {
		return "unknown"
	}
	return p.value.String()
}

// Quotes USD prices fixed for the duration of one operation. USD returns
// ErrOracleUnavailable when the asset has no usable price.
type Quotes interface {
	USD(asset string) (decimal.Decimal, error)
}

// Valuation USD value of a user's collateral.
type Valuation struct {
	ValueUSD       decimal.Decimal `json:"value_usd"`
	BorrowingPower decimal.Decimal `json:"borrowing_power"`
}
