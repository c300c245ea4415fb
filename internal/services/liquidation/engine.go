// Package liquidation seizes collateral from under-collateralized borrowers,
// never more than the outstanding debt plus the liquidation fee.
package liquidation

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

// Collateral exposes the balances the seize pass walks.
type Collateral interface {
	Balances(userID string) []domain.AssetAmount
	Seize(userID, asset string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Loans finds and closes the loans being liquidated.
type Loans interface {
	Get(loanID string) (*domain.Loan, bool)
	ActiveLoans(userID string) []*domain.Loan
	CollateralRatio(userID string, q domain.Quotes) (domain.Ratio, error)
	MarkLiquidated(loanID string) (*domain.Loan, error)
}

// Pools receives recovered debt.
type Pools interface {
	Deposit(asset string, amount decimal.Decimal)
}

// Credit receives the liquidation event.
type Credit interface {
	Apply(userID string, ev domain.CreditEvent) domain.CreditChange
}

// Config holds the liquidation thresholds.
type Config struct {
	// LiquidationRatio collateral ratio under which a user is liquidated.
	LiquidationRatio decimal.Decimal
	// Fee fraction of the debt value seized on top of the debt.
	Fee decimal.Decimal
}

// Engine liquidates loans and keeps the append-only record log.
type Engine struct {
	collateral Collateral
	loans      Loans
	pools      Pools
	credit     Credit
	cfg        Config
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger

	mu      sync.RWMutex
	records []domain.LiquidationRecord
}

// Option customizes the engine.
type Option func(*Engine)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator replaces record id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates a liquidation engine.
func NewEngine(cfg Config, collateral Collateral, loans Loans, pools Pools, credit Credit, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		collateral: collateral,
		loans:      loans,
		pools:      pools,
		credit:     credit,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return "LIQ_" + uuid.NewString() },
		logger:     logger.With(zap.String("component", "liquidation")),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CheckAndLiquidate liquidates every active loan of the user when the collateral
// ratio is below the liquidation ratio. Records of loans liquidated before a failure
// are returned together with the error.
func (e *Engine) CheckAndLiquidate(userID string, q domain.Quotes) (domain.LiquidationCheck, error) {
	ratio, err := e.loans.CollateralRatio(userID, q)
	if err != nil {
		return domain.LiquidationCheck{UserID: userID}, err
	}

	check := domain.LiquidationCheck{UserID: userID, Ratio: ratio}
	if !ratio.LessThan(e.cfg.LiquidationRatio) {
		return check, nil
	}

	check.NeedsLiquidation = true
	e.logger.Warn("user below liquidation ratio",
		zap.String("user", userID),
		zap.String("ratio", ratio.String()),
		zap.String("threshold", e.cfg.LiquidationRatio.String()))

	for _, loan := range e.loans.ActiveLoans(userID) {
		rec, err := e.Liquidate(userID, loan.ID, q)
		if err != nil {
			return check, errors.Wrapf(err, "liquidate loan %s", loan.ID)
		}
		check.Liquidations = append(check.Liquidations, rec)
	}

	return check, nil
}

type seizure struct {
	asset    string
	amount   decimal.Decimal
	valueUSD decimal.Decimal
}

// Liquidate seizes collateral worth the loan's outstanding debt plus fee, walking balances
// in configured asset order. Every price is resolved before the first balance changes.
func (e *Engine) Liquidate(userID, loanID string, q domain.Quotes) (domain.LiquidationRecord, error) {
	loan, ok := e.loans.Get(loanID)
	if !ok {
		return domain.LiquidationRecord{}, &domain.Error{Kind: domain.KindLoanNotFound, Message: "loan " + loanID + " not found"}
	}
	if loan.UserID != userID {
		return domain.LiquidationRecord{}, &domain.Error{Kind: domain.KindUnauthorized, Message: "loan " + loanID + " belongs to another user"}
	}
	if !loan.IsActive() {
		return domain.LiquidationRecord{}, &domain.Error{Kind: domain.KindLoanInactive, Message: "loan " + loanID + " is " + string(loan.Status)}
	}

	debtPrice, err := q.USD(loan.Asset)
	if err != nil {
		return domain.LiquidationRecord{}, err
	}

	outstanding := loan.Outstanding()
	debtValue := outstanding.Mul(debtPrice)
	fee := debtValue.Mul(e.cfg.Fee)
	toSeize := debtValue.Add(fee)

	balances := e.collateral.Balances(userID)
	prices := make(map[string]decimal.Decimal, len(balances))
	before := decimal.Zero
	for _, b := range balances {
		if b.Amount.IsZero() {
			continue
		}
		price, err := q.USD(b.Asset)
		if err != nil {
			return domain.LiquidationRecord{}, err
		}
		prices[b.Asset] = price
		before = before.Add(b.Amount.Mul(price))
	}

	plan, _ := planSeizure(balances, prices, toSeize)

	// The plan comes from balances read under the caller's user lock, so a failing
	// seize means the ledger is inconsistent and the loan must stay active.
	seized := make([]domain.AssetAmount, 0, len(plan))
	seizedValue := decimal.Zero
	for _, s := range plan {
		taken, err := e.collateral.Seize(userID, s.asset, s.amount)
		if err != nil {
			e.logger.Error("seize failed", zap.String("user", userID), zap.String("asset", s.asset), zap.Error(err))
			return domain.LiquidationRecord{}, errors.Wrapf(err, "seize %s", s.asset)
		}
		value := s.valueUSD
		if !taken.Equal(s.amount) {
			value = taken.Mul(prices[s.asset])
		}
		seized = append(seized, domain.AssetAmount{Asset: s.asset, Amount: taken, ValueUSD: value})
		seizedValue = seizedValue.Add(value)
	}

	if _, err := e.loans.MarkLiquidated(loanID); err != nil {
		return domain.LiquidationRecord{}, errors.Wrap(err, "mark loan liquidated")
	}
	e.pools.Deposit(loan.Asset, outstanding)

	var returned []domain.AssetAmount
	for _, b := range e.collateral.Balances(userID) {
		if !b.Amount.IsPositive() {
			continue
		}
		returned = append(returned, domain.AssetAmount{Asset: b.Asset, Amount: b.Amount, ValueUSD: b.Amount.Mul(prices[b.Asset])})
	}

	rec := domain.LiquidationRecord{
		ID:               e.newID(),
		UserID:           userID,
		LoanID:           loanID,
		DebtAsset:        loan.Asset,
		DebtAmount:       outstanding,
		DebtValueUSD:     debtValue,
		FeeUSD:           fee,
		Seized:           seized,
		SeizedValueUSD:   seizedValue,
		Returned:         returned,
		ReturnedValueUSD: before.Sub(seizedValue),
		CollateralBefore: before,
		ShortfallUSD:     decimal.Max(decimal.Zero, toSeize.Sub(seizedValue)),
		Timestamp:        e.now(),
	}

	e.credit.Apply(userID, domain.Liquidated{LoanID: loanID, SeizedValueUSD: seizedValue, DebtAmount: outstanding})

	e.mu.Lock()
	e.records = append(e.records, rec)
	e.mu.Unlock()

	e.logger.Info("loan liquidated",
		zap.String("user", userID),
		zap.String("loan", loanID),
		zap.String("summary", rec.Summary()))

	return rec, nil
}

// planSeizure takes whole balances while they fit in the remaining need and a
// fractional quantity of the first balance that exceeds it.
func planSeizure(balances []domain.AssetAmount, prices map[string]decimal.Decimal, toSeize decimal.Decimal) ([]seizure, decimal.Decimal) {
	var plan []seizure
	seizedValue := decimal.Zero

	for _, b := range balances {
		if !seizedValue.LessThan(toSeize) {
			break
		}
		if b.Amount.IsZero() {
			continue
		}

		price := prices[b.Asset]
		value := b.Amount.Mul(price)
		need := toSeize.Sub(seizedValue)

		if !value.GreaterThan(need) {
			plan = append(plan, seizure{asset: b.Asset, amount: b.Amount, valueUSD: value})
			seizedValue = seizedValue.Add(value)
			continue
		}

		plan = append(plan, seizure{asset: b.Asset, amount: need.Div(price), valueUSD: need})
		seizedValue = seizedValue.Add(need)
	}

	return plan, seizedValue
}

// Records returns a copy of the liquidation log.
func (e *Engine) Records() []domain.LiquidationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return append([]domain.LiquidationRecord(nil), e.records...)
}

// Count returns the number of liquidations recorded.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// Restore seeds the log with persisted records.
func (e *Engine) Restore(records []domain.LiquidationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, records...)
}
