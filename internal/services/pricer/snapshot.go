package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// snapshotWindow is how long one batch of exchange prices answers lookups.
const snapshotWindow = 2 * time.Second

// errNoPrice is returned when the lookup key is missing from the batch.
var errNoPrice = errors.New("no price in exchange snapshot")

// snapshot caches a whole batch of exchange prices, so refreshing every collateral
// asset costs one exchange request instead of one per asset.
type snapshot struct {
	fetch func(ctx context.Context) (map[string]decimal.Decimal, error)
	now   func() time.Time

	mu      sync.Mutex
	window  time.Duration
	fetched time.Time
	prices  map[string]decimal.Decimal
}

func newSnapshot(fetch func(ctx context.Context) (map[string]decimal.Decimal, error)) *snapshot {
	return &snapshot{fetch: fetch, now: time.Now, window: snapshotWindow}
}

// lookup returns the price under key, fetching a new batch when the current one expired.
// Concurrent callers wait for a single fetch.
func (s *snapshot) lookup(ctx context.Context, key string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prices == nil || s.now().Sub(s.fetched) >= s.window {
		prices, err := s.fetch(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		s.prices = prices
		s.fetched = s.now()
	}

	price, ok := s.prices[key]
	if !ok {
		return decimal.Zero, errors.Wrap(errNoPrice, key)
	}
	return price, nil
}

// parsePrices converts raw exchange prices, skipping entries that do not parse.
func parsePrices(raw map[string]string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(raw))
	for key, value := range raw {
		if value == "" {
			continue
		}
		price, err := decimal.NewFromString(value)
		if err != nil {
			continue
		}
		out[key] = price
	}
	return out
}
