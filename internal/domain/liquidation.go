package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationRecord immutable audit entry of one liquidated loan.
type LiquidationRecord struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	LoanID           string          `json:"loan_id"`
	DebtAsset        string          `json:"debt_asset"`
	DebtAmount       decimal.Decimal `json:"debt_amount"`
	DebtValueUSD     decimal.Decimal `json:"debt_value_usd"`
	FeeUSD           decimal.Decimal `json:"fee_usd"`
	Seized           []AssetAmount   `json:"seized"`
	SeizedValueUSD   decimal.Decimal `json:"seized_value_usd"`
	Returned         []AssetAmount   `json:"returned"`
	ReturnedValueUSD decimal.Decimal `json:"returned_value_usd"`
	CollateralBefore decimal.Decimal `json:"collateral_before_usd"`
	// ShortfallUSD part of debt plus fee that the collateral could not cover.
	ShortfallUSD decimal.Decimal `json:"shortfall_usd"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Summary human readable description of the outcome.
func (r LiquidationRecord) Summary() string {
	s := fmt.Sprintf("debt %s %s (%s USD) + fee %s USD: seized %s USD, returned %s USD",
		r.DebtAmount.StringFixed(6), r.DebtAsset, r.DebtValueUSD.StringFixed(2), r.FeeUSD.StringFixed(2),
		r.SeizedValueUSD.StringFixed(2), r.ReturnedValueUSD.StringFixed(2))
	if r.ShortfallUSD.IsPositive() {
		s += fmt.Sprintf(", uncovered %s USD", r.ShortfallUSD.StringFixed(2))
	}
	return s
}

// LiquidationCheck outcome of a liquidation check for one user.
type LiquidationCheck struct {
	UserID           string              `json:"user_id"`
	Ratio            Ratio               `json:"ratio"`
	NeedsLiquidation bool                `json:"needs_liquidation"`
	Liquidations     []LiquidationRecord `json:"liquidations"`
}
