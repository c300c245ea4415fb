package pricer

import (
	"sync"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// deviationGuard rejects quotes that jump too far from the EMA of recently accepted
// quotes. A move that persists for a full period re-baselines the window.
type deviationGuard struct {
	mu           sync.Mutex
	period       int
	maxDeviation decimal.Decimal
	windows      map[string][]float64
	rejections   map[string]int
}

func newDeviationGuard(period int, maxDeviationPercent decimal.Decimal) *deviationGuard {
	if period < 2 {
		period = 2
	}
	return &deviationGuard{
		period:       period,
		maxDeviation: maxDeviationPercent,
		windows:      make(map[string][]float64),
		rejections:   make(map[string]int),
	}
}

func (g *deviationGuard) enabled() bool {
	return g.maxDeviation.IsPositive()
}

// warm replaces the asset window with historical closes.
func (g *deviationGuard) warm(asset string, closes []decimal.Decimal) {
	window := make([]float64, 0, len(closes))
	for _, c := range closes {
		if c.IsPositive() {
			window = append(window, c.InexactFloat64())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows[asset] = g.trim(window)
	g.rejections[asset] = 0
}

// accept reports whether price is within the allowed deviation and records it when it is.
// It also returns the deviation in percent from the window EMA.
func (g *deviationGuard) accept(asset string, price decimal.Decimal) (bool, decimal.Decimal) {
	if !g.enabled() {
		return true, decimal.Zero
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.windows[asset]
	if len(window) < g.period {
		g.windows[asset] = append(window, price.InexactFloat64())
		return true, decimal.Zero
	}

	ema := decimal.NewFromFloat(g.ema(window))
	deviation := price.Sub(ema).Abs().Div(ema).Mul(hundred)
	if deviation.GreaterThan(g.maxDeviation) {
		g.rejections[asset]++
		if g.rejections[asset] < g.period {
			return false, deviation
		}
		window = nil
	}

	g.rejections[asset] = 0
	g.windows[asset] = g.trim(append(window, price.InexactFloat64()))

	return true, deviation
}

func (g *deviationGuard) ema(window []float64) float64 {
	out := helper.ChanToSlice(trend.NewEmaWithPeriod[float64](g.period).Compute(helper.SliceToChan(window)))
	if len(out) == 0 {
		return window[len(window)-1]
	}
	return out[len(out)-1]
}

func (g *deviationGuard) trim(window []float64) []float64 {
	if limit := 4 * g.period; len(window) > limit {
		return append([]float64(nil), window[len(window)-limit:]...)
	}
	return window
}
