package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind classifies a rejected operation.
type ErrorKind string

const (
	KindInvalidAmount          ErrorKind = "invalid_amount"
	KindInvalidDuration        ErrorKind = "invalid_duration"
	KindUnsupportedAsset       ErrorKind = "unsupported_asset"
	KindInsufficientCollateral ErrorKind = "insufficient_collateral"
	KindRatioBreach            ErrorKind = "ratio_breach"
	KindInsufficientLiquidity  ErrorKind = "insufficient_liquidity"
	KindCreditTooLow           ErrorKind = "credit_too_low"
	KindLoanNotFound           ErrorKind = "loan_not_found"
	KindUnauthorized           ErrorKind = "unauthorized"
	KindLoanInactive           ErrorKind = "loan_inactive"
	KindOracleUnavailable      ErrorKind = "oracle_unavailable"
)

// Error recoverable rejection of an engine operation. The detail fields
// explain which threshold was breached and by how much.
type Error struct {
	Kind    ErrorKind
	Message string
	Asset   string
	// Current value that failed the check (ratio, balance, available amount).
	Current decimal.Decimal
	// Required threshold the current value had to meet.
	Required decimal.Decimal
	// Shortfall distance between current and required, in USD unless stated by Message.
	Shortfall decimal.Decimal
	Score     int
	Tier      string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("lending engine: %s", e.Kind)
	}
	return fmt.Sprintf("lending engine: %s: %s", e.Kind, e.Message)
}

// Is matches errors of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidAmount          = &Error{Kind: KindInvalidAmount}
	ErrInvalidDuration        = &Error{Kind: KindInvalidDuration}
	ErrUnsupportedAsset       = &Error{Kind: KindUnsupportedAsset}
	ErrInsufficientCollateral = &Error{Kind: KindInsufficientCollateral}
	ErrRatioBreach            = &Error{Kind: KindRatioBreach}
	ErrInsufficientLiquidity  = &Error{Kind: KindInsufficientLiquidity}
	ErrCreditTooLow           = &Error{Kind: KindCreditTooLow}
	ErrLoanNotFound           = &Error{Kind: KindLoanNotFound}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrLoanInactive           = &Error{Kind: KindLoanInactive}
	ErrOracleUnavailable      = &Error{Kind: KindOracleUnavailable}
)

// InvalidAmountError rejects a non-positive or malformed quantity.
func InvalidAmountError(amount decimal.Decimal) *Error {
	return &Error{
		Kind:    KindInvalidAmount,
		Message: fmt.Sprintf("amount must be positive, got %s", amount),
		Current: amount,
	}
}

// UnsupportedAssetError rejects an asset missing from the configured set.
func UnsupportedAssetError(asset, usage string) *Error {
	return &Error{
		Kind:    KindUnsupportedAsset,
		Message: fmt.Sprintf("asset %s is not supported for %s", asset, usage),
		Asset:   asset,
	}
}

// OracleUnavailableError reports that the asset has no usable price.
func OracleUnavailableError(asset string) *Error {
	return &Error{
		Kind:    KindOracleUnavailable,
		Message: fmt.Sprintf("no usable price for %s", asset),
		Asset:   asset,
	}
}

// RatioBreachError reports the would-be ratio against the required minimum.
func RatioBreachError(ratio Ratio, required, shortfallUSD decimal.Decimal) *Error {
	return &Error{
		Kind: KindRatioBreach,
		Message: fmt.Sprintf("collateral ratio would be %s, minimum required is %s (short by %s USD)",
			ratio, required.StringFixed(4), shortfallUSD.StringFixed(2)),
		Current:   ratio.Value(),
		Required:  required,
		Shortfall: shortfallUSD,
	}
}
