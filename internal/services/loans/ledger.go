// Package loans issues, tracks and closes loans.
package loans

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

var (
	rateDivisor = decimal.NewFromInt(365 * 100)
	zero        = decimal.Zero
)

// Collateral values the user's deposited collateral.
type Collateral interface {
	Valuation(userID string, q domain.Quotes) (domain.Valuation, error)
}

// Credit is the reputation store the ledger scores borrowers with.
type Credit interface {
	CanBorrow(userID string) (domain.Tier, int, bool)
	AdjustedRate(userID string, baseRate decimal.Decimal) decimal.Decimal
	MaxLTV(userID string) decimal.Decimal
	Apply(userID string, ev domain.CreditEvent) domain.CreditChange
	RecordBorrow(userID string, valueUSD decimal.Decimal)
	RecordRepayment(userID string, valueUSD decimal.Decimal)
	Profile(userID string) *domain.CreditProfile
}

// Pools lends out and takes back liquidity.
type Pools interface {
	Available(asset string) decimal.Decimal
	Withdraw(asset string, amount decimal.Decimal) error
	Deposit(asset string, amount decimal.Decimal)
	AddInterest(asset string, amount decimal.Decimal)
}

// Config holds the loan terms.
type Config struct {
	Durations             []int
	MinCollateralRatio    decimal.Decimal
	LatePenaltyPerDay     decimal.Decimal
	LargeLoanThresholdUSD decimal.Decimal
}

// Ledger keeps every loan ever issued, indexed by id and by user.
type Ledger struct {
	mu         sync.RWMutex
	loans      map[string]*domain.Loan
	byUser     map[string][]string
	assets     *domain.AssetBook
	collateral Collateral
	credit     Credit
	pools      Pools
	cfg        Config
	now        func() time.Time
	newID      func() string
	logger     *zap.Logger
}

// Option customizes the ledger.
type Option func(*Ledger)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDGenerator replaces loan id generation.
func WithIDGenerator(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config, assets *domain.AssetBook, collateral Collateral, credit Credit, pools Pools, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{
		loans:      make(map[string]*domain.Loan),
		byUser:     make(map[string][]string),
		assets:     assets,
		collateral: collateral,
		credit:     credit,
		pools:      pools,
		cfg:        cfg,
		now:        time.Now,
		newID:      func() string { return "LOAN_" + uuid.NewString() },
		logger:     logger.With(zap.String("component", "loans")),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Borrow issues a loan of amount units of asset for durationDays and returns it with the
// resulting collateral ratio.
func (l *Ledger) Borrow(userID, asset string, amount decimal.Decimal, durationDays int, q domain.Quotes) (*domain.Loan, domain.Ratio, error) {
	asset = domain.NormalizeAsset(asset)
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, domain.Ratio{}, err
	}
	spec, ok := l.assets.Get(asset)
	if !ok || !spec.Borrowable() {
		return nil, domain.Ratio{}, domain.UnsupportedAssetError(asset, "borrowing")
	}
	if !l.validDuration(durationDays) {
		return nil, domain.Ratio{}, &domain.Error{
			Kind:    domain.KindInvalidDuration,
			Message: fmt.Sprintf("duration %d days is not one of %v", durationDays, l.cfg.Durations),
		}
	}
	if available := l.pools.Available(asset); available.LessThan(amount) {
		return nil, domain.Ratio{}, &domain.Error{
			Kind:      domain.KindInsufficientLiquidity,
			Message:   fmt.Sprintf("pool has %s %s, requested %s", available, asset, amount),
			Asset:     asset,
			Current:   available,
			Required:  amount,
			Shortfall: amount.Sub(available),
		}
	}
	if tier, score, ok := l.credit.CanBorrow(userID); !ok {
		return nil, domain.Ratio{}, &domain.Error{
			Kind:    domain.KindCreditTooLow,
			Message: fmt.Sprintf("credit score %d (tier %s) is too low to borrow", score, tier.Name),
			Score:   score,
			Tier:    tier.Name,
		}
	}

	price, err := q.USD(asset)
	if err != nil {
		return nil, domain.Ratio{}, err
	}
	borrowValue := amount.Mul(price)

	val, err := l.collateral.Valuation(userID, q)
	if err != nil {
		return nil, domain.Ratio{}, err
	}
	current, err := l.TotalBorrowedUSD(userID, q)
	if err != nil {
		return nil, domain.Ratio{}, err
	}

	maxLTV := l.credit.MaxLTV(userID)
	availableUSD := val.BorrowingPower.Mul(maxLTV).Sub(current)
	if borrowValue.GreaterThan(availableUSD) {
		return nil, domain.Ratio{}, &domain.Error{
			Kind: domain.KindInsufficientCollateral,
			Message: fmt.Sprintf("requested %s USD exceeds available %s USD at max LTV %s%%",
				borrowValue.StringFixed(2), availableUSD.StringFixed(2), maxLTV.Mul(decimal.NewFromInt(100)).StringFixed(0)),
			Asset:     asset,
			Current:   availableUSD,
			Required:  borrowValue,
			Shortfall: borrowValue.Sub(availableUSD),
		}
	}

	rate := l.credit.AdjustedRate(userID, spec.BaseRate)
	interest := amount.Mul(rate).Mul(decimal.NewFromInt(int64(durationDays))).Div(rateDivisor)
	totalDue := amount.Add(interest)

	debtAfter := current.Add(totalDue.Mul(price))
	ratio := domain.NewRatio(val.ValueUSD, debtAfter)
	if ratio.LessThan(l.cfg.MinCollateralRatio) {
		required := debtAfter.Mul(l.cfg.MinCollateralRatio)
		return nil, domain.Ratio{}, domain.RatioBreachError(ratio, l.cfg.MinCollateralRatio, required.Sub(val.ValueUSD))
	}

	if err := l.pools.Withdraw(asset, amount); err != nil {
		return nil, domain.Ratio{}, err
	}

	now := l.now()
	loan := &domain.Loan{
		ID:           l.newID(),
		UserID:       userID,
		Asset:        asset,
		Principal:    amount,
		Interest:     interest,
		TotalDue:     totalDue,
		ValueUSD:     borrowValue,
		AnnualRate:   rate,
		DurationDays: durationDays,
		StartDate:    now,
		DueDate:      now.Add(time.Duration(durationDays) * domain.Day),
		Status:       domain.LoanActive,
		Repaid:       zero,
		Penalty:      zero,
	}

	l.mu.Lock()
	l.loans[loan.ID] = loan
	l.byUser[userID] = append(l.byUser[userID], loan.ID)
	l.mu.Unlock()

	l.credit.RecordBorrow(userID, borrowValue)

	l.logger.Info("loan issued",
		zap.String("user", userID),
		zap.String("loan", loan.ID),
		zap.String("asset", asset),
		zap.String("amount", amount.String()),
		zap.String("interest", interest.StringFixed(6)),
		zap.String("rate", rate.String()),
		zap.Int("days", durationDays),
		zap.String("ratio", ratio.String()))

	return loan.Clone(), ratio, nil
}

// Repay applies a payment to the loan. A payment larger than what is owed is capped.
// Repayment never needs a price: USD statistics are skipped when the asset is unpriced.
func (l *Ledger) Repay(userID, loanID string, amount decimal.Decimal, q domain.Quotes) (domain.Payment, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return domain.Payment{}, err
	}

	l.mu.Lock()
	loan, ok := l.loans[loanID]
	if !ok {
		l.mu.Unlock()
		return domain.Payment{}, &domain.Error{Kind: domain.KindLoanNotFound, Message: "loan " + loanID + " not found"}
	}
	if loan.UserID != userID {
		l.mu.Unlock()
		return domain.Payment{}, &domain.Error{Kind: domain.KindUnauthorized, Message: "loan " + loanID + " belongs to another user"}
	}
	if !loan.IsActive() {
		l.mu.Unlock()
		return domain.Payment{}, &domain.Error{Kind: domain.KindLoanInactive, Message: fmt.Sprintf("loan %s is %s", loanID, loan.Status)}
	}

	now := l.now()
	daysLate := loan.DaysLate(now)
	penalty := loan.PenaltyAt(now, l.cfg.LatePenaltyPerDay)
	owed := loan.TotalDue.Sub(loan.Repaid).Add(penalty)
	if amount.GreaterThan(owed) {
		amount = owed
	}

	loan.Repaid = loan.Repaid.Add(amount)
	loan.Penalty = penalty
	interest := loan.InterestShare(amount)
	completed := !loan.Repaid.LessThan(loan.TotalDue.Add(penalty))
	if completed {
		loan.Status = domain.LoanRepaid
		loan.ClosedAt = now
	}
	snapshot := loan.Clone()
	l.mu.Unlock()

	l.pools.Deposit(snapshot.Asset, amount)
	l.pools.AddInterest(snapshot.Asset, interest)

	if price, err := q.USD(snapshot.Asset); err == nil {
		l.credit.RecordRepayment(userID, amount.Mul(price))
	} else {
		l.logger.Warn("repayment value not recorded, asset unpriced",
			zap.String("loan", loanID), zap.String("asset", snapshot.Asset), zap.Error(err))
	}

	payment := domain.Payment{
		LoanID:     loanID,
		Asset:      snapshot.Asset,
		AmountPaid: amount,
		Penalty:    penalty,
		DaysLate:   daysLate,
		Interest:   interest,
		Remaining:  decimal.Max(zero, owed.Sub(amount)),
		Status:     snapshot.Status,
	}

	if completed {
		payment.Credit = l.completionEvents(userID, snapshot, now, penalty, daysLate)
		l.logger.Info("loan repaid",
			zap.String("user", userID),
			zap.String("loan", loanID),
			zap.String("penalty", penalty.String()),
			zap.Int("days_late", daysLate))
	}

	return payment, nil
}

// completionEvents fires the primary repayment event plus the stacking bonuses.
func (l *Ledger) completionEvents(userID string, loan *domain.Loan, now time.Time, penalty decimal.Decimal, daysLate int) []domain.CreditChange {
	var primary domain.CreditEvent
	switch {
	case now.Before(loan.DueDate):
		primary = domain.RepaidEarly{}
	case penalty.IsPositive():
		primary = domain.RepaidLate{DaysLate: daysLate}
	default:
		primary = domain.RepaidOnTime{}
	}

	changes := []domain.CreditChange{l.credit.Apply(userID, primary)}
	if loan.ValueUSD.GreaterThan(l.cfg.LargeLoanThresholdUSD) {
		changes = append(changes, l.credit.Apply(userID, domain.LargeLoanSuccess{ValueUSD: loan.ValueUSD}))
	}
	if domain.ConsistentHistoryEligible(l.credit.Profile(userID)) {
		changes = append(changes, l.credit.Apply(userID, domain.ConsistentHistory{}))
	}

	return changes
}

// TotalBorrowedUSD sums the outstanding debt of the user's active loans in USD.
func (l *Ledger) TotalBorrowedUSD(userID string, q domain.Quotes) (decimal.Decimal, error) {
	total := zero
	for _, loan := range l.ActiveLoans(userID) {
		price, err := q.USD(loan.Asset)
		if err != nil {
			return zero, err
		}
		total = total.Add(loan.Outstanding().Mul(price))
	}

	return total, nil
}

// CollateralRatio divides collateral value by outstanding debt. It is infinite without debt.
func (l *Ledger) CollateralRatio(userID string, q domain.Quotes) (domain.Ratio, error) {
	debt, err := l.TotalBorrowedUSD(userID, q)
	if err != nil {
		return domain.Ratio{}, err
	}
	if !debt.IsPositive() {
		return domain.InfiniteRatio(), nil
	}

	val, err := l.collateral.Valuation(userID, q)
	if err != nil {
		return domain.Ratio{}, err
	}

	return domain.NewRatio(val.ValueUSD, debt), nil
}

// Get returns a copy of the loan.
func (l *Ledger) Get(loanID string) (*domain.Loan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	loan, ok := l.loans[loanID]
	if !ok {
		return nil, false
	}
	return loan.Clone(), true
}

// ActiveLoans returns copies of the user's active loans, oldest first.
func (l *Ledger) ActiveLoans(userID string) []*domain.Loan {
	var out []*domain.Loan
	for _, loan := range l.UserLoans(userID) {
		if loan.IsActive() {
			out = append(out, loan)
		}
	}
	return out
}

// UserLoans returns copies of every loan of the user, oldest first.
func (l *Ledger) UserLoans(userID string) []*domain.Loan {
	l.mu.RLock()
	ids := l.byUser[userID]
	out := make([]*domain.Loan, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.loans[id].Clone())
	}
	l.mu.RUnlock()

	sortLoans(out)
	return out
}

// AllActive returns copies of every active loan.
func (l *Ledger) AllActive() []*domain.Loan {
	l.mu.RLock()
	out := make([]*domain.Loan, 0, len(l.loans))
	for _, loan := range l.loans {
		if loan.IsActive() {
			out = append(out, loan.Clone())
		}
	}
	l.mu.RUnlock()

	sortLoans(out)
	return out
}

// MarkLiquidated moves an active loan to the liquidated state.
func (l *Ledger) MarkLiquidated(loanID string) (*domain.Loan, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	loan, ok := l.loans[loanID]
	if !ok {
		return nil, &domain.Error{Kind: domain.KindLoanNotFound, Message: "loan " + loanID + " not found"}
	}
	if !loan.IsActive() {
		return nil, &domain.Error{Kind: domain.KindLoanInactive, Message: fmt.Sprintf("loan %s is %s", loanID, loan.Status)}
	}
	loan.Status = domain.LoanLiquidated
	loan.ClosedAt = l.now()

	return loan.Clone(), nil
}

// Restore installs persisted loans, replacing loans with the same id.
func (l *Ledger) Restore(loans []*domain.Loan) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, loan := range loans {
		if loan == nil {
			continue
		}
		if _, exists := l.loans[loan.ID]; !exists {
			l.byUser[loan.UserID] = append(l.byUser[loan.UserID], loan.ID)
		}
		l.loans[loan.ID] = loan.Clone()
	}
}

func (l *Ledger) validDuration(days int) bool {
	for _, d := range l.cfg.Durations {
		if d == days {
			return true
		}
	}
	return false
}

func sortLoans(loans []*domain.Loan) {
	sort.Slice(loans, func(i, j int) bool {
		if !loans[i].StartDate.Equal(loans[j].StartDate) {
			return loans[i].StartDate.Before(loans[j].StartDate)
		}
		return loans[i].ID < loans[j].ID
	})
}
