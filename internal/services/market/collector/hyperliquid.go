package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

// HyperliquidCloseProvider reads closes from Hyperliquid candle snapshots.
type HyperliquidCloseProvider struct {
	info *hyperliquid.Info
	now  func() time.Time
}

// NewHyperliquidCloseProvider creates a new Hyperliquid close provider.
func NewHyperliquidCloseProvider(info *hyperliquid.Info) *HyperliquidCloseProvider {
	return &HyperliquidCloseProvider{info: info, now: time.Now}
}

// Closes fetches the last limit closes of the coin.
func (p *HyperliquidCloseProvider) Closes(ctx context.Context, pair domain.Pair, interval string, limit int) ([]decimal.Decimal, error) {
	if p.info == nil {
		return nil, fmt.Errorf("hyperliquid info is nil")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	dur, err := parseIntervalToDuration(interval)
	if err != nil {
		return nil, err
	}

	endMs := p.now().UnixMilli()
	// two extra candles of slack for boundary rounding
	startMs := endMs - (int64(limit)+2)*dur.Milliseconds()

	// candles are keyed by base coin only
	coin := strings.ToUpper(pair.From)
	candles, err := p.info.CandlesSnapshot(ctx, coin, interval, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	raw := make([]string, len(candles))
	for i, c := range candles {
		raw[i] = c.Close
	}
	return parseCloses(raw)
}
