package engine

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/services/credit"
	"go.uber.org/zap"
)

const (
	opDeposit   = "deposit"
	opWithdraw  = "withdraw"
	opBorrow    = "borrow"
	opRepay     = "repay"
	opLiquidate = "check_and_liquidate"
)

// DepositResult outcome of a collateral deposit.
type DepositResult struct {
	UserID             string               `json:"user_id"`
	Asset              string               `json:"asset"`
	Amount             decimal.Decimal      `json:"amount"`
	CollateralValueUSD decimal.Decimal      `json:"collateral_value_usd"`
	BorrowingPower     decimal.Decimal      `json:"borrowing_power"`
	Credit             *domain.CreditChange `json:"credit_change,omitempty"`
}

// WithdrawResult is the outcome of a collateral withdrawal. RemainingValueUSD is null when a
// debt-free user withdrew while another held asset had no price.
type WithdrawResult struct {
	UserID            string              `json:"user_id"`
	Asset             string              `json:"asset"`
	Amount            decimal.Decimal     `json:"amount"`
	RemainingValueUSD decimal.NullDecimal `json:"remaining_collateral_usd"`
}

// BorrowResult issued loan and the ratio after it.
type BorrowResult struct {
	Loan            *domain.Loan `json:"loan"`
	CollateralRatio domain.Ratio `json:"collateral_ratio"`
}

// RepayResult payment and the credit standing after it.
type RepayResult struct {
	Payment domain.Payment `json:"payment"`
	Credit  credit.Summary `json:"credit"`
}

// DepositCollateral adds collateral. A top-up while loans are active earns a credit bonus.
func (e *Engine) DepositCollateral(ctx context.Context, userID, asset string, amount decimal.Decimal) (res DepositResult, err error) {
	defer func() { e.observe(opDeposit, userID, err) }()
	if err := requireUser(userID); err != nil {
		return DepositResult{}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	val, err := e.collateral.Deposit(userID, asset, amount, e.quotes(ctx))
	if err != nil {
		return DepositResult{}, err
	}

	asset = domain.NormalizeAsset(asset)
	res = DepositResult{
		UserID:             userID,
		Asset:              asset,
		Amount:             amount,
		CollateralValueUSD: val.ValueUSD,
		BorrowingPower:     val.BorrowingPower,
	}
	if len(e.loans.ActiveLoans(userID)) > 0 {
		change := e.credit.Apply(userID, domain.CollateralAdded{Asset: asset, Amount: amount})
		res.Credit = &change
	}
	e.persist(userID, false)

	return res, nil
}

// WithdrawCollateral removes collateral if the remaining collateral still covers the debt.
func (e *Engine) WithdrawCollateral(ctx context.Context, userID, asset string, amount decimal.Decimal) (res WithdrawResult, err error) {
	defer func() { e.observe(opWithdraw, userID, err) }()
	if err := requireUser(userID); err != nil {
		return WithdrawResult{}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	q := e.quotes(ctx)
	debt, err := e.loans.TotalBorrowedUSD(userID, q)
	if err != nil {
		return WithdrawResult{}, err
	}
	remaining, err := e.collateral.Withdraw(userID, asset, amount, debt, e.cfg.MinCollateralRatio, q)
	if err != nil {
		return WithdrawResult{}, err
	}
	e.persist(userID, false)

	return WithdrawResult{
		UserID:            userID,
		Asset:             domain.NormalizeAsset(asset),
		Amount:            amount,
		RemainingValueUSD: remaining,
	}, nil
}

// Borrow issues a loan from the asset's pool.
func (e *Engine) Borrow(ctx context.Context, userID, asset string, amount decimal.Decimal, durationDays int) (res BorrowResult, err error) {
	defer func() { e.observe(opBorrow, userID, err) }()
	if err := requireUser(userID); err != nil {
		return BorrowResult{}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	loan, ratio, err := e.loans.Borrow(userID, asset, amount, durationDays, e.quotes(ctx))
	if err != nil {
		return BorrowResult{}, err
	}
	e.persist(userID, true)

	return BorrowResult{Loan: loan, CollateralRatio: ratio}, nil
}

// Repay pays amount towards the loan. Overpayment is capped at what is owed.
func (e *Engine) Repay(ctx context.Context, userID, loanID string, amount decimal.Decimal) (res RepayResult, err error) {
	defer func() { e.observe(opRepay, userID, err) }()
	if err := requireUser(userID); err != nil {
		return RepayResult{}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	payment, err := e.loans.Repay(userID, loanID, amount, e.quotes(ctx))
	if err != nil {
		return RepayResult{}, err
	}
	e.persist(userID, true)

	return RepayResult{Payment: payment, Credit: e.credit.Summary(userID)}, nil
}

// CheckAndLiquidate liquidates every active loan of the user when the collateral ratio
// is below the liquidation ratio. Once started, a liquidation runs to completion even
// if ctx is cancelled.
func (e *Engine) CheckAndLiquidate(ctx context.Context, userID string) (check domain.LiquidationCheck, err error) {
	defer func() { e.observe(opLiquidate, userID, err) }()
	if err := requireUser(userID); err != nil {
		return domain.LiquidationCheck{UserID: userID}, err
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	check, err = e.liquidation.CheckAndLiquidate(userID, e.quotes(ctx))
	if len(check.Liquidations) > 0 {
		e.persist(userID, true)
		for _, rec := range check.Liquidations {
			e.record(rec)
		}
	}

	return check, err
}

// AwardAccountAge grants pending account-age bonuses to every known user and returns
// the number of bonuses granted.
func (e *Engine) AwardAccountAge(ctx context.Context) int {
	granted := 0
	for _, userID := range e.credit.Users() {
		if ctx.Err() != nil {
			break
		}

		unlock := e.locks.lock(userID)
		changes := e.credit.AwardAccountAge(userID)
		if len(changes) > 0 {
			e.persist(userID, false)
		}
		unlock()

		granted += len(changes)
	}

	return granted
}

func (e *Engine) observe(op, userID string, err error) {
	e.metrics.ObserveOperation(op, err)
	if err != nil {
		e.logger.Debug("operation rejected",
			zap.String("operation", op),
			zap.String("user", userID),
			zap.Error(err))
	}
}
