package pricer

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// BinancePricer prices pairs from the Binance all-symbols ticker.
type BinancePricer struct {
	snap *snapshot
}

// NewBinancePricer creates a pricer backed by the Binance REST client.
func NewBinancePricer(client *binance.Client) *BinancePricer {
	return &BinancePricer{snap: newSnapshot(func(ctx context.Context) (map[string]decimal.Decimal, error) {
		list, err := client.NewListPricesService().Do(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "binance list prices")
		}
		raw := make(map[string]string, len(list))
		for _, p := range list {
			raw[p.Symbol] = p.Price
		}
		return parsePrices(raw), nil
	})}
}

// GetPrice returns the last price of the pair, e.g. BTCUSDT.
func (p *BinancePricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	price, err := p.snap.lookup(ctx, pair.Symbol())
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "binance price of %s", pair.String())
	}
	return price, nil
}
