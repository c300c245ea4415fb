package collector

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// binance serves at most this many klines per request
const binanceMaxKlines = 1000

// BinanceCloseProvider reads closes from Binance spot klines.
type BinanceCloseProvider struct {
	client *binance.Client
}

// NewBinanceCloseProvider creates a new Binance close provider.
func NewBinanceCloseProvider(client *binance.Client) *BinanceCloseProvider {
	return &BinanceCloseProvider{client: client}
}

// Closes fetches the last limit closes, oldest first. Binance takes "1h" style
// intervals as is.
func (p *BinanceCloseProvider) Closes(ctx context.Context, pair domain.Pair, interval string, limit int) ([]decimal.Decimal, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	if limit > binanceMaxKlines {
		limit = binanceMaxKlines
	}
	if _, err := parseIntervalToDuration(interval); err != nil {
		return nil, errors.Wrapf(err, "invalid interval: %s", interval)
	}

	klines, err := p.client.NewKlinesService().
		Symbol(pair.Symbol()).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch klines from Binance for %s", pair.String())
	}

	raw := make([]string, len(klines))
	for i, k := range klines {
		raw[i] = k.Close
	}
	return parseCloses(raw)
}
