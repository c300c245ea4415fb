// Package pricer adapts exchange price feeds into USD prices for the lending engine.
package pricer

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// Source quotes the last price of a pair on an exchange.
type Source interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
}
