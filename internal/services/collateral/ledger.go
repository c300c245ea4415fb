// Package collateral tracks deposited collateral balances per user and asset.
package collateral

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

// Ledger tracks per-user, per-asset collateral balances. Balances are never removed, only zeroed.
//
// Prices are resolved with no lock held. A change is committed only if the user's
// balances did not move while it was being priced, otherwise it is priced again.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]map[string]decimal.Decimal
	versions map[string]uint64
	assets   *domain.AssetBook
	logger   *zap.Logger
}

// NewLedger creates an empty ledger for the given asset set.
func NewLedger(assets *domain.AssetBook, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ledger{
		balances: make(map[string]map[string]decimal.Decimal),
		versions: make(map[string]uint64),
		assets:   assets,
		logger:   logger.With(zap.String("component", "collateral")),
	}
}

// Deposit credits amount to the user's balance and returns the valuation after the deposit.
// The valuation is computed before anything changes, so an unpriced asset leaves the ledger untouched.
func (l *Ledger) Deposit(userID, asset string, amount decimal.Decimal, q domain.Quotes) (domain.Valuation, error) {
	asset = domain.NormalizeAsset(asset)
	if err := domain.ValidateAmount(amount); err != nil {
		return domain.Valuation{}, err
	}
	if _, ok := l.assets.Get(asset); !ok {
		return domain.Valuation{}, domain.UnsupportedAssetError(asset, "collateral")
	}

	for {
		next, version := l.read(userID)
		next[asset] = next[asset].Add(amount)

		val, err := l.value(next, q)
		if err != nil {
			return domain.Valuation{}, err
		}
		if !l.commit(userID, version, next) {
			continue
		}

		l.logger.Info("collateral deposited",
			zap.String("user", userID),
			zap.String("asset", asset),
			zap.String("amount", amount.String()),
			zap.String("value_usd", val.ValueUSD.StringFixed(2)))

		return val, nil
	}
}

// Withdraw debits amount from the user's balance provided the remaining collateral still
// covers debtUSD × minRatio. It returns the remaining collateral value. Without debt
// nothing has to be priced, and the remaining value is invalid when a price is missing.
func (l *Ledger) Withdraw(userID, asset string, amount, debtUSD, minRatio decimal.Decimal, q domain.Quotes) (decimal.NullDecimal, error) {
	asset = domain.NormalizeAsset(asset)
	if err := domain.ValidateAmount(amount); err != nil {
		return decimal.NullDecimal{}, err
	}
	if _, ok := l.assets.Get(asset); !ok {
		return decimal.NullDecimal{}, domain.UnsupportedAssetError(asset, "collateral")
	}

	for {
		next, version := l.read(userID)
		current := next[asset]
		if current.LessThan(amount) {
			return decimal.NullDecimal{}, &domain.Error{
				Kind:      domain.KindInsufficientCollateral,
				Message:   "withdrawal exceeds deposited balance of " + current.String() + " " + asset,
				Asset:     asset,
				Current:   current,
				Required:  amount,
				Shortfall: amount.Sub(current),
			}
		}
		next[asset] = current.Sub(amount)

		var remaining decimal.NullDecimal
		after, err := l.value(next, q)
		switch {
		case err == nil:
			remaining = decimal.NewNullDecimal(after.ValueUSD)
		case debtUSD.IsPositive():
			return decimal.NullDecimal{}, err
		}

		if debtUSD.IsPositive() {
			required := debtUSD.Mul(minRatio)
			if after.ValueUSD.LessThan(required) {
				ratio := domain.NewRatio(after.ValueUSD, debtUSD)
				breach := domain.RatioBreachError(ratio, minRatio, required.Sub(after.ValueUSD))
				breach.Asset = asset
				return decimal.NullDecimal{}, breach
			}
		}

		if !l.commit(userID, version, next) {
			continue
		}

		fields := []zap.Field{
			zap.String("user", userID),
			zap.String("asset", asset),
			zap.String("amount", amount.String()),
		}
		if remaining.Valid {
			fields = append(fields, zap.String("remaining_usd", remaining.Decimal.StringFixed(2)))
		}
		l.logger.Info("collateral withdrawn", fields...)

		return remaining, nil
	}
}

// Seize removes amount from the user's balance during liquidation, capped at the balance.
func (l *Ledger) Seize(userID, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	user, ok := l.balances[userID]
	if !ok {
		return decimal.Zero, errors.Errorf("no collateral for user %s", userID)
	}

	current := user[asset]
	taken := decimal.Min(current, amount)
	user[asset] = current.Sub(taken)
	l.versions[userID]++

	return taken, nil
}

// Valuation returns the aggregate value and borrowing power of the user's collateral.
func (l *Ledger) Valuation(userID string, q domain.Quotes) (domain.Valuation, error) {
	balances, _ := l.read(userID)
	return l.value(balances, q)
}

// AggregateValueUSD returns the sum of balance × price.
func (l *Ledger) AggregateValueUSD(userID string, q domain.Quotes) (decimal.Decimal, error) {
	val, err := l.Valuation(userID, q)
	return val.ValueUSD, err
}

// BorrowingPower returns the sum of balance × price × collateral factor.
func (l *Ledger) BorrowingPower(userID string, q domain.Quotes) (decimal.Decimal, error) {
	val, err := l.Valuation(userID, q)
	return val.BorrowingPower, err
}

// Balances lists the user's balances in configured asset order, zero balances included.
func (l *Ledger) Balances(userID string) []domain.AssetAmount {
	l.mu.RLock()
	defer l.mu.RUnlock()

	user := l.balances[userID]
	symbols := make([]string, 0, len(user))
	for s := range user {
		symbols = append(symbols, s)
	}
	l.assets.SortSymbols(symbols)

	out := make([]domain.AssetAmount, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, domain.AssetAmount{Asset: s, Amount: user[s]})
	}

	return out
}

// Totals sums balances per asset across all users.
func (l *Ledger) Totals() map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totals := make(map[string]decimal.Decimal)
	for _, user := range l.balances {
		for asset, amount := range user {
			totals[asset] = totals[asset].Add(amount)
		}
	}

	return totals
}

// Snapshot returns a copy of the user's balances.
func (l *Ledger) Snapshot(userID string) map[string]decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.copyBalances(userID)
}

// Restore replaces the user's balances.
func (l *Ledger) Restore(userID string, balances map[string]decimal.Decimal) {
	next := make(map[string]decimal.Decimal, len(balances))
	for asset, amount := range balances {
		next[domain.NormalizeAsset(asset)] = amount
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] = next
	l.versions[userID]++
}

// Users returns the sorted ids of users holding a collateral entry.
func (l *Ledger) Users() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	users := make([]string, 0, len(l.balances))
	for id := range l.balances {
		users = append(users, id)
	}
	sort.Strings(users)

	return users
}

// read copies the user's balances together with their version.
func (l *Ledger) read(userID string) (map[string]decimal.Decimal, uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.copyBalances(userID), l.versions[userID]
}

// commit stores next unless the user's balances changed since version was read.
func (l *Ledger) commit(userID string, version uint64, next map[string]decimal.Decimal) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.versions[userID] != version {
		return false
	}
	l.balances[userID] = next
	l.versions[userID]++
	return true
}

func (l *Ledger) copyBalances(userID string) map[string]decimal.Decimal {
	src := l.balances[userID]
	out := make(map[string]decimal.Decimal, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	return out
}

// value prices every non-zero balance; any unpriced asset fails the whole valuation.
// It must be called without l.mu held, q may block on the network.
func (l *Ledger) value(balances map[string]decimal.Decimal, q domain.Quotes) (domain.Valuation, error) {
	val := domain.Valuation{ValueUSD: decimal.Zero, BorrowingPower: decimal.Zero}
	for asset, amount := range balances {
		if amount.IsZero() {
			continue
		}
		price, err := q.USD(asset)
		if err != nil {
			return domain.Valuation{}, err
		}

		worth := amount.Mul(price)
		factor := decimal.NewFromInt(1)
		if spec, ok := l.assets.Get(asset); ok {
			factor = spec.CollateralFactor
		}
		val.ValueUSD = val.ValueUSD.Add(worth)
		val.BorrowingPower = val.BorrowingPower.Add(worth.Mul(factor))
	}

	return val, nil
}
