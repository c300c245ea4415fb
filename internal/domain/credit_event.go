package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CreditEventKind name of a credit event.
type CreditEventKind string

const (
	EventRepaidOnTime      CreditEventKind = "LOAN_REPAID_ON_TIME"
	EventRepaidEarly       CreditEventKind = "LOAN_REPAID_EARLY"
	EventRepaidLate        CreditEventKind = "LOAN_REPAID_LATE"
	EventLiquidated        CreditEventKind = "LOAN_LIQUIDATED"
	EventCollateralAdded   CreditEventKind = "COLLATERAL_ADDED"
	EventLargeLoanSuccess  CreditEventKind = "LARGE_LOAN_SUCCESS"
	EventConsistentHistory CreditEventKind = "CONSISTENT_HISTORY"
	EventAccountAgeBonus   CreditEventKind = "ACCOUNT_AGE_BONUS"
)

const (
	consistentHistoryMinLoans = 5
	onTimeBonusPerLoan        = 2
	onTimeBonusCap            = 10
)

// CreditEvent closed set of reputation events. Only types in this package implement it.
type CreditEvent interface {
	Kind() CreditEventKind
	apply(p *CreditProfile) (delta int, reason string)
}

// RepaidOnTime loan closed on its due date window without penalty.
type RepaidOnTime struct{}

func (RepaidOnTime) Kind() CreditEventKind { return EventRepaidOnTime }

func (RepaidOnTime) apply(p *CreditProfile) (int, string) {
	bonus := p.LoansCompleted * onTimeBonusPerLoan
	if bonus > onTimeBonusCap {
		bonus = onTimeBonusCap
	}
	p.LoansCompleted++
	p.OnTimePayments++
	return 15 + bonus, "loan repaid on time"
}

// RepaidEarly loan closed before its due date.
type RepaidEarly struct{}

func (RepaidEarly) Kind() CreditEventKind { return EventRepaidEarly }

func (RepaidEarly) apply(p *CreditProfile) (int, string) {
	p.LoansCompleted++
	p.OnTimePayments++
	return 25, "loan repaid early"
}

// RepaidLate loan closed after its due date with a penalty.
type RepaidLate struct {
	DaysLate int
}

func (RepaidLate) Kind() CreditEventKind { return EventRepaidLate }

func (e RepaidLate) apply(p *CreditProfile) (int, string) {
	days := e.DaysLate
	if days <= 0 {
		days = 1
	}
	p.LoansCompleted++
	p.LatePayments++
	return -10 - 2*days, fmt.Sprintf("loan repaid %d days late", days)
}

// Liquidated loan closed by collateral seizure.
type Liquidated struct {
	LoanID         string
	SeizedValueUSD decimal.Decimal
	DebtAmount     decimal.Decimal
}

func (Liquidated) Kind() CreditEventKind { return EventLiquidated }

func (e Liquidated) apply(p *CreditProfile) (int, string) {
	p.LoansDefaulted++
	p.Liquidations++
	return -100, fmt.Sprintf("loan %s liquidated, seized %s USD", e.LoanID, e.SeizedValueUSD.StringFixed(2))
}

// CollateralAdded collateral top-up.
type CollateralAdded struct {
	Asset  string
	Amount decimal.Decimal
}

func (CollateralAdded) Kind() CreditEventKind { return EventCollateralAdded }

func (e CollateralAdded) apply(*CreditProfile) (int, string) {
	return 5, fmt.Sprintf("added %s %s collateral", e.Amount, e.Asset)
}

// LargeLoanSuccess repaid loan whose origination value exceeded the large-loan threshold.
type LargeLoanSuccess struct {
	ValueUSD decimal.Decimal
}

func (LargeLoanSuccess) Kind() CreditEventKind { return EventLargeLoanSuccess }

func (e LargeLoanSuccess) apply(*CreditProfile) (int, string) {
	return 20, fmt.Sprintf("large loan of %s USD repaid", e.ValueUSD.StringFixed(2))
}

// ConsistentHistory bonus for a spotless repayment record.
type ConsistentHistory struct{}

func (ConsistentHistory) Kind() CreditEventKind { return EventConsistentHistory }

func (ConsistentHistory) apply(p *CreditProfile) (int, string) {
	if !ConsistentHistoryEligible(p) {
		return 0, "history not yet consistent"
	}
	return 30, "perfect payment history bonus"
}

// ConsistentHistoryEligible reports whether the profile qualifies for the consistent history bonus.
func ConsistentHistoryEligible(p *CreditProfile) bool {
	return p.LoansCompleted >= consistentHistoryMinLoans && p.LatePayments == 0
}

// AccountAgeBonus granted once per full year of account age.
type AccountAgeBonus struct {
	Years int
}

func (AccountAgeBonus) Kind() CreditEventKind { return EventAccountAgeBonus }

func (e AccountAgeBonus) apply(p *CreditProfile) (int, string) {
	if e.Years > p.AgeBonusYears {
		p.AgeBonusYears = e.Years
	}
	return 10, fmt.Sprintf("account age %d years", e.Years)
}
