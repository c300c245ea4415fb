package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MaxAmountScale decimal places accepted in a quantity.
	MaxAmountScale = 18
	// MaxAmountIntegerDigits digits accepted before the decimal point.
	MaxAmountIntegerDigits = 30

	// coefficients wider than this cannot fit the bounds above
	maxCoefficientBits = 256
)

// ValidateAmount checks that a quantity is positive and within the scale and magnitude
// the ledgers compute with. Extreme exponents would make every later addition rescale
// to an enormous coefficient.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return InvalidAmountError(amount)
	}

	exp := amount.Exponent()
	if exp < -MaxAmountScale {
		return amountOutOfRange(fmt.Sprintf("at most %d decimal places are allowed", MaxAmountScale))
	}
	if exp > MaxAmountIntegerDigits || amount.Coefficient().BitLen() > maxCoefficientBits {
		return amountOutOfRange("amount is too large")
	}
	if int(exp)+amount.NumDigits() > MaxAmountIntegerDigits {
		return amountOutOfRange("amount is too large")
	}

	return nil
}

func amountOutOfRange(msg string) *Error {
	return &Error{Kind: KindInvalidAmount, Message: msg}
}
