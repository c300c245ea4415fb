package pricer

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// Quotes memoizes one price per asset so that every figure computed inside a single
// operation uses the same price.
type Quotes struct {
	ctx    context.Context
	oracle *Oracle

	mu   sync.Mutex
	memo map[string]domain.Price
}

// Price resolves asset once per snapshot.
func (q *Quotes) Price(asset string) domain.Price {
	asset = domain.NormalizeAsset(asset)

	q.mu.Lock()
	defer q.mu.Unlock()

	if p, ok := q.memo[asset]; ok {
		return p
	}
	p := q.oracle.resolve(q.ctx, asset, false)
	q.memo[asset] = p

	return p
}

// USD implements domain.Quotes.
func (q *Quotes) USD(asset string) (decimal.Decimal, error) {
	v, ok := q.Price(asset).Value()
	if !ok {
		return decimal.Zero, domain.OracleUnavailableError(domain.NormalizeAsset(asset))
	}
	return v, nil
}
