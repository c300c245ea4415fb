package domain

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetSpec immutable configuration of a recognized asset.
type AssetSpec struct {
	Symbol string
	// CollateralFactor multiplier applied to the asset value when computing borrowing power.
	CollateralFactor decimal.Decimal
	// BaseRate annual interest rate in percent. Zero means the asset cannot be borrowed.
	BaseRate decimal.Decimal
	// Stable marks assets pegged to one USD.
	Stable bool
}

// Borrowable reports whether loans can be issued in this asset.
func (a AssetSpec) Borrowable() bool {
	return a.BaseRate.IsPositive()
}

// AssetBook ordered set of asset specs. Order is the configured order and
// is used wherever a deterministic walk over assets is required.
type AssetBook struct {
	order []string
	specs map[string]AssetSpec
}

// NewAssetBook builds a book from specs, keeping their order. Symbols are upper-cased.
func NewAssetBook(specs []AssetSpec) *AssetBook {
	b := &AssetBook{specs: make(map[string]AssetSpec, len(specs))}
	for _, s := range specs {
		s.Symbol = NormalizeAsset(s.Symbol)
		if _, dup := b.specs[s.Symbol]; dup {
			continue
		}
		b.order = append(b.order, s.Symbol)
		b.specs[s.Symbol] = s
	}

	return b
}

// Get returns the spec of the asset.
func (b *AssetBook) Get(symbol string) (AssetSpec, bool) {
	s, ok := b.specs[NormalizeAsset(symbol)]
	return s, ok
}

// Symbols returns asset symbols in configured order.
func (b *AssetBook) Symbols() []string {
	out := make([]string, len(b.order))
	copy(out, b.order)
	return out
}

// Rank position of the asset in configured order, unknown assets sort last by name.
func (b *AssetBook) Rank(symbol string) int {
	for i, s := range b.order {
		if s == symbol {
			return i
		}
	}

	return len(b.order)
}

// SortSymbols orders symbols by configured rank.
func (b *AssetBook) SortSymbols(symbols []string) {
	sort.SliceStable(symbols, func(i, j int) bool {
		ri, rj := b.Rank(symbols[i]), b.Rank(symbols[j])
		if ri != rj {
			return ri < rj
		}
		return symbols[i] < symbols[j]
	})
}

// NormalizeAsset canonical form of an asset symbol.
func NormalizeAsset(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// AssetAmount quantity of a single asset, optionally valued in USD.
type AssetAmount struct {
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}
