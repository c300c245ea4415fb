package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/events"
	"github.com/vadiminshakov/lendingd/internal/services/credit"
	"github.com/vadiminshakov/lendingd/internal/services/pool"
)

// UserSummary is the collateral and debt position of a user.
type UserSummary struct {
	UserID             string               `json:"user_id"`
	Collateral         []domain.AssetAmount `json:"collateral"`
	CollateralValueUSD decimal.Decimal      `json:"collateral_value_usd"`
	BorrowingPower     decimal.Decimal      `json:"borrowing_power"`
	TotalBorrowedUSD   decimal.Decimal      `json:"total_borrowed_usd"`
	AvailableToBorrow  decimal.Decimal      `json:"available_to_borrow"`
	CollateralRatio    domain.Ratio         `json:"collateral_ratio"`
	ActiveLoans        []*domain.Loan       `json:"active_loans"`
	Health             domain.HealthStatus  `json:"health_status"`
	HealthMessage      string               `json:"health_message"`
}

// EffectiveConfig configuration reported with the global stats.
type EffectiveConfig struct {
	MinCollateralRatio    decimal.Decimal            `json:"min_collateral_ratio"`
	LiquidationRatio      decimal.Decimal            `json:"liquidation_ratio"`
	LiquidationFee        decimal.Decimal            `json:"liquidation_fee"`
	LatePenaltyPerDay     decimal.Decimal            `json:"late_penalty_per_day"`
	LargeLoanThresholdUSD decimal.Decimal            `json:"large_loan_threshold_usd"`
	Durations             []int                      `json:"loan_durations"`
	BaseRates             map[string]decimal.Decimal `json:"base_rates"`
	Tiers                 domain.TierTable           `json:"tiers"`
}

// GlobalStats holds platform wide totals.
type GlobalStats struct {
	TotalCollateralUSD decimal.Decimal            `json:"total_collateral_usd"`
	TotalBorrowedUSD   decimal.Decimal            `json:"total_borrowed_usd"`
	ActiveLoans        int                        `json:"active_loans"`
	UtilizationRate    decimal.Decimal            `json:"utilization_rate"`
	Pools              []pool.State               `json:"liquidity_pool"`
	TotalLiquidations  int                        `json:"total_liquidations"`
	InterestCollected  map[string]decimal.Decimal `json:"interest_collected"`
	Config             EffectiveConfig            `json:"config"`
}

// UserSummary values the user's position with one consistent set of prices.
func (e *Engine) UserSummary(ctx context.Context, userID string) (UserSummary, error) {
	if err := requireUser(userID); err != nil {
		return UserSummary{}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	q := e.quotes(ctx)
	var holdings []domain.AssetAmount
	for _, b := range e.collateral.Balances(userID) {
		if b.Amount.IsZero() {
			continue
		}
		price, err := q.USD(b.Asset)
		if err != nil {
			return UserSummary{}, err
		}
		b.ValueUSD = b.Amount.Mul(price)
		holdings = append(holdings, b)
	}

	val, err := e.collateral.Valuation(userID, q)
	if err != nil {
		return UserSummary{}, err
	}
	debt, err := e.loans.TotalBorrowedUSD(userID, q)
	if err != nil {
		return UserSummary{}, err
	}
	ratio, err := e.loans.CollateralRatio(userID, q)
	if err != nil {
		return UserSummary{}, err
	}

	status, message := domain.Health(ratio)
	active := e.loans.ActiveLoans(userID)
	if active == nil {
		active = []*domain.Loan{}
	}
	if holdings == nil {
		holdings = []domain.AssetAmount{}
	}

	return UserSummary{
		UserID:             userID,
		Collateral:         holdings,
		CollateralValueUSD: val.ValueUSD,
		BorrowingPower:     val.BorrowingPower,
		TotalBorrowedUSD:   debt,
		AvailableToBorrow:  decimal.Max(decimal.Zero, val.BorrowingPower.Sub(debt)),
		CollateralRatio:    ratio,
		ActiveLoans:        active,
		Health:             status,
		HealthMessage:      message,
	}, nil
}

// CreditSummary returns the credit standing of the user, initializing the profile on first use.
func (e *Engine) CreditSummary(userID string) (credit.Summary, error) {
	if err := requireUser(userID); err != nil {
		return credit.Summary{}, err
	}
	return e.credit.Summary(userID), nil
}

// GlobalStats totals positions across all users. Collateral is valued per asset with one price each.
func (e *Engine) GlobalStats(ctx context.Context) (GlobalStats, error) {
	q := e.quotes(ctx)

	totalCollateral := decimal.Zero
	for asset, amount := range e.collateral.Totals() {
		if amount.IsZero() {
			continue
		}
		price, err := q.USD(asset)
		if err != nil {
			return GlobalStats{}, err
		}
		totalCollateral = totalCollateral.Add(amount.Mul(price))
	}

	active := e.loans.AllActive()
	totalBorrowed := decimal.Zero
	for _, loan := range active {
		price, err := q.USD(loan.Asset)
		if err != nil {
			return GlobalStats{}, err
		}
		totalBorrowed = totalBorrowed.Add(loan.Outstanding().Mul(price))
	}

	denominator := totalCollateral
	if !denominator.IsPositive() {
		denominator = decimal.NewFromInt(1)
	}

	pools := e.pools.Snapshot()
	interest := make(map[string]decimal.Decimal, len(pools))
	for _, p := range pools {
		interest[p.Asset] = p.InterestCollected
		e.metrics.SetPoolAvailable(p.Asset, p.Available.InexactFloat64())
	}
	e.metrics.SetActiveLoans(len(active))

	return GlobalStats{
		TotalCollateralUSD: totalCollateral,
		TotalBorrowedUSD:   totalBorrowed,
		ActiveLoans:        len(active),
		UtilizationRate:    totalBorrowed.Div(denominator),
		Pools:              pools,
		TotalLiquidations:  e.liquidation.Count(),
		InterestCollected:  interest,
		Config:             e.effectiveConfig(),
	}, nil
}

func (e *Engine) effectiveConfig() EffectiveConfig {
	rates := make(map[string]decimal.Decimal)
	for _, s := range e.assets.Symbols() {
		if spec, _ := e.assets.Get(s); spec.Borrowable() {
			rates[s] = spec.BaseRate
		}
	}

	return EffectiveConfig{
		MinCollateralRatio:    e.cfg.MinCollateralRatio,
		LiquidationRatio:      e.cfg.LiquidationRatio,
		LiquidationFee:        e.cfg.LiquidationFee,
		LatePenaltyPerDay:     e.cfg.LatePenaltyPerDay,
		LargeLoanThresholdUSD: e.cfg.LargeLoanThresholdUSD,
		Durations:             append([]int(nil), e.cfg.Durations...),
		BaseRates:             rates,
		Tiers:                 e.cfg.Tiers,
	}
}

// Users lists every user with collateral, a credit profile or an active loan, sorted.
func (e *Engine) Users() []string {
	seen := make(map[string]struct{})
	for _, id := range e.collateral.Users() {
		seen[id] = struct{}{}
	}
	for _, id := range e.credit.Users() {
		seen[id] = struct{}{}
	}
	for _, loan := range e.loans.AllActive() {
		seen[loan.UserID] = struct{}{}
	}

	users := make([]string, 0, len(seen))
	for id := range seen {
		users = append(users, id)
	}
	sort.Strings(users)

	return users
}

// BorrowerUsers lists the users holding at least one active loan, sorted.
func (e *Engine) BorrowerUsers() []string {
	seen := make(map[string]struct{})
	users := make([]string, 0)
	for _, loan := range e.loans.AllActive() {
		if _, ok := seen[loan.UserID]; ok {
			continue
		}
		seen[loan.UserID] = struct{}{}
		users = append(users, loan.UserID)
	}
	sort.Strings(users)

	return users
}

// LiquidationsAfter returns the liquidations recorded after index, oldest first.
func (e *Engine) LiquidationsAfter(index uint64) ([]events.Liquidation, error) {
	entries, err := e.log.After(index)
	if err != nil {
		return nil, err
	}

	out := make([]events.Liquidation, 0, len(entries))
	for _, en := range entries {
		out = append(out, events.Liquidation{Index: en.Index, Record: en.Record})
	}
	return out, nil
}
