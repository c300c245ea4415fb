package domain

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const infiniteRatio = "inf"

// Ratio collateral value divided by outstanding debt. Without debt the ratio is infinite.
type Ratio struct {
	value    decimal.Decimal
	infinite bool
}

// NewRatio computes collateral/debt. A non-positive debt yields an infinite ratio.
func NewRatio(collateralUSD, debtUSD decimal.Decimal) Ratio {
	if !debtUSD.IsPositive() {
		return InfiniteRatio()
	}

	return Ratio{value: collateralUSD.Div(debtUSD)}
}

// InfiniteRatio ratio of a user without debt.
func InfiniteRatio() Ratio {
	return Ratio{infinite: true}
}

// IsInfinite reports whether there is no outstanding debt.
func (r Ratio) IsInfinite() bool {
	return r.infinite
}

// Value finite ratio value; zero when infinite.
func (r Ratio) Value() decimal.Decimal {
	return r.value
}

// LessThan reports whether the ratio is strictly below threshold.
func (r Ratio) LessThan(threshold decimal.Decimal) bool {
	if r.infinite {
		return false
	}
	return r.value.LessThan(threshold)
}

func (r Ratio) String() string {
	if r.infinite {
		return infiniteRatio
	}
	return r.value.StringFixed(4)
}

// MarshalJSON encodes the ratio as a string, "inf" when infinite.
func (r Ratio) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes the string form produced by MarshalJSON.
func (r *Ratio) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrap(err, "decode ratio")
	}
	if s == infiniteRatio {
		*r = InfiniteRatio()
		return nil
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return errors.Wrapf(err, "parse ratio %q", s)
	}
	*r = Ratio{value: v}

	return nil
}
