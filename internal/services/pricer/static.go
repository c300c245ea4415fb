package pricer

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// StaticPricer serves operator-set prices keyed by asset. Used for the static
// platform and in tests.
type StaticPricer struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStaticPricer(prices map[string]decimal.Decimal) *StaticPricer {
	p := &StaticPricer{prices: make(map[string]decimal.Decimal, len(prices))}
	for asset, price := range prices {
		p.prices[domain.NormalizeAsset(asset)] = price
	}
	return p
}

// Set changes the price of an asset.
func (p *StaticPricer) Set(asset string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[domain.NormalizeAsset(asset)] = price
}

// Remove drops the asset so lookups fail.
func (p *StaticPricer) Remove(asset string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.prices, domain.NormalizeAsset(asset))
}

func (p *StaticPricer) GetPrice(_ context.Context, pair domain.Pair) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	price, ok := p.prices[pair.From]
	if !ok {
		return decimal.Zero, fmt.Errorf("no static price for %s", pair.String())
	}
	return price, nil
}
