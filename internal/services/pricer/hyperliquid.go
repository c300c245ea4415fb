package pricer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// dollarQuotes lists the quote coins that equal the USDC denomination of Hyperliquid mids.
var dollarQuotes = map[string]bool{"USD": true, "USDC": true, "USDT": true}

// HyperliquidPricer prices coins from the Hyperliquid all-mids snapshot.
type HyperliquidPricer struct {
	snap *snapshot
}

func NewHyperliquidPricer(info *hyperliquid.Info) *HyperliquidPricer {
	return &HyperliquidPricer{snap: newSnapshot(func(ctx context.Context) (map[string]decimal.Decimal, error) {
		if info == nil {
			return nil, errors.New("hyperliquid info client is nil")
		}
		mids, err := info.AllMids(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "hyperliquid all mids")
		}
		return parsePrices(mids), nil
	})}
}

// GetPrice looks the base coin up in the mids. Dollar quotes take the mid as is, any other
// quote coin is crossed through its own mid.
func (p *HyperliquidPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	base, err := p.snap.lookup(ctx, strings.ToUpper(pair.From))
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "hyperliquid price of %s", pair.String())
	}
	quote := strings.ToUpper(pair.To)
	if quote == "" || dollarQuotes[quote] {
		return base, nil
	}

	cross, err := p.snap.lookup(ctx, quote)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "hyperliquid price of %s", pair.String())
	}
	if !cross.IsPositive() {
		return decimal.Zero, errors.Errorf("hyperliquid mid of %s is not positive", quote)
	}
	return base.Div(cross), nil
}
