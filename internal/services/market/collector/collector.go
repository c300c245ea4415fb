// Package collector fetches historical close prices used to warm up the oracle deviation guard.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

const warmUpTimeout = 30 * time.Second

// CloseProvider returns candle close prices, oldest first.
type CloseProvider interface {
	Closes(ctx context.Context, pair domain.Pair, interval string, limit int) ([]decimal.Decimal, error)
}

// Sink receives the closes of one asset.
type Sink func(asset string, closes []decimal.Decimal)

// WarmUp loads closes for every asset quoted against quote and hands them to sink.
// Assets that fail are logged and skipped. It returns the number of warmed assets.
func WarmUp(ctx context.Context, provider CloseProvider, sink Sink, assets []string, quote, interval string, limit int, logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}

	warmed := 0
	for _, asset := range assets {
		if ctx.Err() != nil {
			break
		}

		closes, err := fetchCloses(ctx, provider, domain.Pair{From: asset, To: quote}, interval, limit)
		if err != nil {
			logger.Warn("price history unavailable", zap.String("asset", asset), zap.Error(err))
			continue
		}

		sink(asset, closes)
		warmed++
	}

	return warmed
}

func fetchCloses(ctx context.Context, provider CloseProvider, pair domain.Pair, interval string, limit int) ([]decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, warmUpTimeout)
	defer cancel()

	closes, err := provider.Closes(ctx, pair, interval, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch closes for %s", pair.String())
	}
	if len(closes) == 0 {
		return nil, errors.Errorf("no kline data returned for %s", pair.String())
	}

	return closes, nil
}

// parseCloses converts raw close strings in the given order. A close that is not a
// positive number fails the whole batch, a broken candle would skew the guard.
func parseCloses(raw []string) ([]decimal.Decimal, error) {
	closes := make([]decimal.Decimal, len(raw))
	for i, r := range raw {
		c, err := decimal.NewFromString(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse close price at index %d", i)
		}
		if !c.IsPositive() {
			return nil, errors.Errorf("non-positive close %s at index %d", r, i)
		}
		closes[i] = c
	}
	return closes, nil
}

func parseIntervalToDuration(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, fmt.Errorf("invalid interval: %q", interval)
	}
	// e.g. "1m", "15m", "1h", "4h", "1d"
	unit := interval[len(interval)-1]
	var n int64
	for _, r := range interval[:len(interval)-1] {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid interval number: %s", interval)
		}
		n = n*10 + int64(r-'0')
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported interval unit: %c", unit)
	}
}
