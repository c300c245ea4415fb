package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LoanStatus lifecycle state of a loan. Repaid and Liquidated are terminal.
type LoanStatus string

const (
	LoanActive     LoanStatus = "active"
	LoanRepaid     LoanStatus = "repaid"
	LoanLiquidated LoanStatus = "liquidated"
)

// Day length used for durations and lateness.
const Day = 24 * time.Hour

// Loan a single borrow position. Amounts are in units of Asset.
type Loan struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Asset        string          `json:"asset"`
	Principal    decimal.Decimal `json:"principal"`
	Interest     decimal.Decimal `json:"interest"`
	TotalDue     decimal.Decimal `json:"total_due"`
	ValueUSD     decimal.Decimal `json:"value_usd"`
	AnnualRate   decimal.Decimal `json:"annual_rate"`
	DurationDays int             `json:"duration_days"`
	StartDate    time.Time       `json:"start_date"`
	DueDate      time.Time       `json:"due_date"`
	Status       LoanStatus      `json:"status"`
	Repaid       decimal.Decimal `json:"repaid"`
	// Penalty late penalty charged at the most recent repayment.
	Penalty  decimal.Decimal `json:"penalty"`
	ClosedAt time.Time       `json:"closed_at,omitempty"`
}

// IsActive reports whether the loan can still be repaid or liquidated.
func (l *Loan) IsActive() bool {
	return l.Status == LoanActive
}

// Outstanding remaining principal plus interest, never negative.
func (l *Loan) Outstanding() decimal.Decimal {
	rest := l.TotalDue.Sub(l.Repaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// DaysLate whole days past due, rounded up. Zero when not past due.
func (l *Loan) DaysLate(now time.Time) int {
	if !now.After(l.DueDate) {
		return 0
	}
	late := now.Sub(l.DueDate)
	days := int(late / Day)
	if late%Day != 0 {
		days++
	}
	return days
}

// PenaltyAt late penalty owed at now: totalDue × perDay × daysLate.
func (l *Loan) PenaltyAt(now time.Time, perDay decimal.Decimal) decimal.Decimal {
	days := l.DaysLate(now)
	if days == 0 {
		return decimal.Zero
	}
	return l.TotalDue.Mul(perDay).Mul(decimal.NewFromInt(int64(days)))
}

// InterestShare interest portion of a payment amount.
func (l *Loan) InterestShare(amount decimal.Decimal) decimal.Decimal {
	if !l.TotalDue.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(l.Interest).Div(l.TotalDue)
}

// Clone copy of the loan.
func (l *Loan) Clone() *Loan {
	c := *l
	return &c
}

// Payment outcome of a repay call.
type Payment struct {
	LoanID     string          `json:"loan_id"`
	Asset      string          `json:"asset"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Penalty    decimal.Decimal `json:"penalty"`
	DaysLate   int             `json:"days_late"`
	Interest   decimal.Decimal `json:"interest"`
	Remaining  decimal.Decimal `json:"remaining"`
	Status     LoanStatus      `json:"status"`
	Credit     []CreditChange  `json:"credit_changes,omitempty"`
}
