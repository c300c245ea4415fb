package collector

import (
	"context"
	"fmt"

	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// bybit serves at most this many klines per request
const bybitMaxKlines = 1000

// BybitCloseProvider reads closes from Bybit spot klines.
type BybitCloseProvider struct {
	client *bybit.Client
}

// NewBybitCloseProvider creates a new Bybit close provider.
func NewBybitCloseProvider(client *bybit.Client) *BybitCloseProvider {
	return &BybitCloseProvider{client: client}
}

// Closes fetches the last limit closes, oldest first.
func (p *BybitCloseProvider) Closes(ctx context.Context, pair domain.Pair, interval string, limit int) ([]decimal.Decimal, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	if limit > bybitMaxKlines {
		limit = bybitMaxKlines
	}

	bybitInterval, err := convertIntervalToBybit(interval)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid interval: %s", interval)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := p.client.V5().Market().GetKline(bybit.V5GetKlineParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   bybit.SymbolV5(pair.Symbol()),
		Interval: bybit.Interval(bybitInterval),
		Limit:    &limit,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch klines from Bybit for %s", pair.String())
	}
	if result == nil {
		return nil, errors.Errorf("empty result from Bybit API for %s", pair.String())
	}

	// bybit lists the newest candle first
	klines := result.Result.List
	raw := make([]string, len(klines))
	for i, k := range klines {
		raw[len(klines)-1-i] = k.Close
	}

	return parseCloses(raw)
}

// convertIntervalToBybit converts "1m", "4h", "1d" style intervals to Bybit's "1", "240", "D".
func convertIntervalToBybit(interval string) (string, error) {
	if len(interval) < 2 {
		return "", fmt.Errorf("invalid interval format: %s", interval)
	}

	switch unit := interval[len(interval)-1]; unit {
	case 'm', 'h':
		dur, err := parseIntervalToDuration(interval)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d", int64(dur.Minutes())), nil
	case 'd':
		return "D", nil
	case 'w':
		return "W", nil
	default:
		return "", fmt.Errorf("unsupported interval unit: %c", unit)
	}
}
