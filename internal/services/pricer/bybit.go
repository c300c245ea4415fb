package pricer

import (
	"context"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// BybitPricer prices pairs from the Bybit V5 spot tickers.
type BybitPricer struct {
	snap *snapshot
}

// NewBybitPricer creates a pricer over client. The bybit client takes no context, so ctx
// is only checked before each batch.
func NewBybitPricer(client *bybit.Client) *BybitPricer {
	return &BybitPricer{snap: newSnapshot(func(ctx context.Context) (map[string]decimal.Decimal, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := client.V5().Market().GetTickers(bybit.V5GetTickersParam{
			Category: bybit.CategoryV5Spot,
		})
		if err != nil {
			return nil, errors.Wrap(err, "bybit tickers")
		}
		if result.Result.Spot == nil {
			return nil, errors.New("bybit returned no spot tickers")
		}

		raw := make(map[string]string, len(result.Result.Spot.List))
		for _, item := range result.Result.Spot.List {
			raw[string(item.Symbol)] = item.LastPrice
		}
		return parsePrices(raw), nil
	})}
}

func (p *BybitPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	price, err := p.snap.lookup(ctx, pair.Symbol())
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "bybit price of %s", pair.String())
	}
	return price, nil
}
