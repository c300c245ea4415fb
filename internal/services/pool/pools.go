// Package pool holds the per-asset liquidity lenders supplied.
package pool

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

// State is the snapshot of one pool.
type State struct {
	Asset             string          `json:"asset"`
	Available         decimal.Decimal `json:"available"`
	InterestCollected decimal.Decimal `json:"interest_collected"`
}

type pool struct {
	mu        sync.Mutex
	available decimal.Decimal
	interest  decimal.Decimal
}

// Pools keeps the liquidity pools keyed by asset. Each pool has its own lock.
type Pools struct {
	mu     sync.RWMutex
	pools  map[string]*pool
	logger *zap.Logger
}

// New creates pools with initial liquidity.
func New(initial map[string]decimal.Decimal, logger *zap.Logger) *Pools {
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pools{
		pools:  make(map[string]*pool, len(initial)),
		logger: logger.With(zap.String("component", "pool")),
	}
	for asset, amount := range initial {
		p.pools[domain.NormalizeAsset(asset)] = &pool{available: amount, interest: decimal.Zero}
	}

	return p
}

// Has reports whether a pool exists for the asset.
func (p *Pools) Has(asset string) bool {
	return p.get(asset) != nil
}

// Available returns the liquidity of the asset, zero when there is no pool.
func (p *Pools) Available(asset string) decimal.Decimal {
	pl := p.get(asset)
	if pl == nil {
		return decimal.Zero
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.available
}

// Withdraw lends amount out of the pool.
func (p *Pools) Withdraw(asset string, amount decimal.Decimal) error {
	pl := p.get(asset)
	if pl == nil {
		return insufficient(asset, decimal.Zero, amount)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.available.LessThan(amount) {
		return insufficient(asset, pl.available, amount)
	}
	pl.available = pl.available.Sub(amount)

	return nil
}

// Deposit returns amount to the pool, creating the pool if needed.
func (p *Pools) Deposit(asset string, amount decimal.Decimal) {
	pl := p.getOrCreate(asset)

	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.available = pl.available.Add(amount)
}

// AddInterest records interest collected in the asset.
func (p *Pools) AddInterest(asset string, amount decimal.Decimal) {
	pl := p.getOrCreate(asset)

	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.interest = pl.interest.Add(amount)
}

// Snapshot returns the state of every pool, sorted by asset.
func (p *Pools) Snapshot() []State {
	p.mu.RLock()
	assets := make([]string, 0, len(p.pools))
	for a := range p.pools {
		assets = append(assets, a)
	}
	p.mu.RUnlock()
	sort.Strings(assets)

	out := make([]State, 0, len(assets))
	for _, a := range assets {
		pl := p.get(a)
		pl.mu.Lock()
		out = append(out, State{Asset: a, Available: pl.available, InterestCollected: pl.interest})
		pl.mu.Unlock()
	}

	return out
}

// Restore overwrites pool states.
func (p *Pools) Restore(states []State) {
	for _, s := range states {
		pl := p.getOrCreate(s.Asset)
		pl.mu.Lock()
		pl.available = s.Available
		pl.interest = s.InterestCollected
		pl.mu.Unlock()
	}
	p.logger.Info("pools restored", zap.Int("count", len(states)))
}

func (p *Pools) get(asset string) *pool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pools[domain.NormalizeAsset(asset)]
}

func (p *Pools) getOrCreate(asset string) *pool {
	asset = domain.NormalizeAsset(asset)

	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[asset]
	if !ok {
		pl = &pool{available: decimal.Zero, interest: decimal.Zero}
		p.pools[asset] = pl
	}
	return pl
}

func insufficient(asset string, available, requested decimal.Decimal) *domain.Error {
	return &domain.Error{
		Kind:      domain.KindInsufficientLiquidity,
		Message:   "pool has " + available.String() + " " + asset + ", requested " + requested.String(),
		Asset:     asset,
		Current:   available,
		Required:  requested,
		Shortfall: requested.Sub(available),
	}
}
