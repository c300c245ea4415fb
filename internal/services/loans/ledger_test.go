package loans

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/services/collateral"
	"github.com/vadiminshakov/lendingd/internal/services/credit"
	"github.com/vadiminshakov/lendingd/internal/services/pool"
	"go.uber.org/zap"
)

type fixedQuotes map[string]decimal.Decimal

func (q fixedQuotes) USD(asset string) (decimal.Decimal, error) {
	p, ok := q[asset]
	if !ok {
		return decimal.Zero, domain.OracleUnavailableError(asset)
	}
	return p, nil
}

type fixture struct {
	now        time.Time
	ledger     *Ledger
	credit     *credit.Store
	collateral *collateral.Ledger
	pools      *pool.Pools
	quotes     fixedQuotes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		now:    time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
		quotes: fixedQuotes{"BTC": decimal.NewFromInt(60000), "USDC": decimal.NewFromInt(1), "ETH": decimal.NewFromInt(3000)},
	}
	clock := func() time.Time { return f.now }

	book := domain.NewAssetBook([]domain.AssetSpec{
		{Symbol: "BTC", CollateralFactor: decimal.NewFromInt(1), BaseRate: decimal.RequireFromString("2.5")},
		{Symbol: "ETH", CollateralFactor: decimal.NewFromInt(1), BaseRate: decimal.NewFromInt(3)},
		{Symbol: "USDC", CollateralFactor: decimal.NewFromInt(1), BaseRate: decimal.NewFromInt(5), Stable: true},
		{Symbol: "LINK", CollateralFactor: decimal.NewFromInt(1)},
	})

	// tier A without discount keeps the base rate
	tiers := domain.DefaultTiers()
	tiers[2].InterestDiscount = decimal.Zero

	f.credit = credit.NewStore(credit.Config{Tiers: tiers}, zap.NewNop(), credit.WithClock(clock))
	f.collateral = collateral.NewLedger(book, zap.NewNop())
	f.pools = pool.New(map[string]decimal.Decimal{
		"USDC": decimal.NewFromInt(50000000),
		"ETH":  decimal.NewFromInt(5),
	}, zap.NewNop())

	seq := 0
	f.ledger = NewLedger(Config{
		Durations:             []int{7, 14, 30, 60, 90},
		MinCollateralRatio:    decimal.NewFromInt(1),
		LatePenaltyPerDay:     decimal.RequireFromString("0.005"),
		LargeLoanThresholdUSD: decimal.NewFromInt(100000),
	}, book, f.collateral, f.credit, f.pools, zap.NewNop(),
		WithClock(clock),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("loan-%d", seq)
		}))

	return f
}

func (f *fixture) deposit(t *testing.T, user, asset string, amount int64) {
	t.Helper()
	_, err := f.collateral.Deposit(user, asset, decimal.NewFromInt(amount), f.quotes)
	require.NoError(t, err)
}

func TestLedger_BorrowComputesInterest(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "BTC", 1)

	loan, ratio, err := f.ledger.Borrow("alice", "USDC", decimal.NewFromInt(40000), 30, f.quotes)
	require.NoError(t, err)

	assert.Equal(t, "164.38", loan.Interest.StringFixed(2))
	assert.Equal(t, "40164.38", loan.TotalDue.StringFixed(2))
	assert.Equal(t, "5", loan.AnnualRate.String())
	assert.Equal(t, f.now.Add(30*domain.Day), loan.DueDate)
	assert.Equal(t, domain.LoanActive, loan.Status)
	assert.Equal(t, "1.4939", ratio.String())
	assert.Equal(t, "49960000", f.pools.Available("USDC").String())
	assert.Equal(t, "40000", f.credit.Profile("alice").TotalBorrowed.String())

	debt, err := f.ledger.TotalBorrowedUSD("alice", f.quotes)
	require.NoError(t, err)
	assert.Equal(t, "40164.38", debt.StringFixed(2))
}

func TestLedger_BorrowRejections(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "BTC", 1)
	f.credit.Restore(&domain.CreditProfile{UserID: "mallory", Score: 120})

	tests := []struct {
		name     string
		user     string
		asset    string
		amount   decimal.Decimal
		duration int
		want     error
	}{
		{"zero amount", "alice", "USDC", decimal.Zero, 30, domain.ErrInvalidAmount},
		{"tiny exponent", "alice", "USDC", decimal.RequireFromString("1e-20000000"), 30, domain.ErrInvalidAmount},
		{"huge exponent", "alice", "USDC", decimal.RequireFromString("1e20000000"), 30, domain.ErrInvalidAmount},
		{"too many decimals", "alice", "USDC", decimal.RequireFromString("0.0000000000000000001"), 30, domain.ErrInvalidAmount},
		{"unknown asset", "alice", "DOGE", decimal.NewFromInt(1), 30, domain.ErrUnsupportedAsset},
		{"not borrowable", "alice", "LINK", decimal.NewFromInt(1), 30, domain.ErrUnsupportedAsset},
		{"bad duration", "alice", "USDC", decimal.NewFromInt(1), 45, domain.ErrInvalidDuration},
		{"pool too small", "alice", "ETH", decimal.NewFromInt(6), 30, domain.ErrInsufficientLiquidity},
		{"no pool", "alice", "BTC", decimal.NewFromInt(1), 30, domain.ErrInsufficientLiquidity},
		{"tier D", "mallory", "USDC", decimal.NewFromInt(1), 30, domain.ErrCreditTooLow},
		{"over power", "alice", "USDC", decimal.NewFromInt(60001), 30, domain.ErrInsufficientCollateral},
		{"interest breaches ratio", "alice", "USDC", decimal.NewFromInt(60000), 30, domain.ErrRatioBreach},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.ledger.Borrow(tt.user, tt.asset, tt.amount, tt.duration, f.quotes)
			require.ErrorIs(t, err, tt.want)
		})
	}

	assert.Empty(t, f.ledger.UserLoans("alice"))
	assert.Equal(t, "50000000", f.pools.Available("USDC").String())
}

func TestLedger_BorrowNeedsPrices(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "BTC", 1)

	q := fixedQuotes{"USDC": decimal.NewFromInt(1)}
	_, _, err := f.ledger.Borrow("alice", "USDC", decimal.NewFromInt(100), 30, q)
	require.ErrorIs(t, err, domain.ErrOracleUnavailable)
}

func TestLedger_RepayEarlyCapsPayment(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "BTC", 1)
	loan, _, err := f.ledger.Borrow("alice", "USDC", decimal.NewFromInt(1000), 30, f.quotes)
	require.NoError(t, err)

	f.now = f.now.Add(10 * domain.Day)
	payment, err := f.ledger.Repay("alice", loan.ID, decimal.NewFromInt(5000), f.quotes)
	require.NoError(t, err)

	assert.True(t, payment.AmountPaid.Equal(loan.TotalDue))
	assert.True(t, payment.Remaining.IsZero())
	assert.Equal(t, domain.LoanRepaid, payment.Status)
	require.Len(t, payment.Credit, 1)
	assert.Equal(t, domain.EventRepaidEarly, payment.Credit[0].Event)
	assert.Equal(t, 25, payment.Credit[0].Delta)

	stored, ok := f.ledger.Get(loan.ID)
	require.True(t, ok)
	assert.True(t, stored.Repaid.Equal(stored.TotalDue))
	assert.Equal(t, "50000000", f.pools.Available("USDC").Sub(payment.Interest).String())

	_, err = f.ledger.Repay("alice", loan.ID, decimal.NewFromInt(1), f.quotes)
	assert.ErrorIs(t, err, domain.ErrLoanInactive)
}

func TestLedger_RepayLate(t *testing.T) {
	f := newFixture(t)
	due := f.now.Add(-2 * domain.Day)
	f.ledger.Restore([]*domain.Loan{{
		ID:           "late-1",
		UserID:       "alice",
		Asset:        "USDC",
		Principal:    decimal.NewFromInt(9900),
		Interest:     decimal.NewFromInt(100),
		TotalDue:     decimal.NewFromInt(10000),
		ValueUSD:     decimal.NewFromInt(9900),
		DurationDays: 30,
		StartDate:    due.Add(-30 * domain.Day),
		DueDate:      due,
		Status:       domain.LoanActive,
		Repaid:       decimal.Zero,
	}})

	partial, err := f.ledger.Repay("alice", "late-1", decimal.NewFromInt(4000), f.quotes)
	require.NoError(t, err)
	assert.Equal(t, "100", partial.Penalty.String())
	assert.Equal(t, 2, partial.DaysLate)
	assert.Equal(t, "6100", partial.Remaining.String())
	assert.Equal(t, domain.LoanActive, partial.Status)
	assert.Empty(t, partial.Credit)

	final, err := f.ledger.Repay("alice", "late-1", decimal.NewFromInt(100000), f.quotes)
	require.NoError(t, err)
	assert.Equal(t, "6100", final.AmountPaid.String())
	assert.Equal(t, domain.LoanRepaid, final.Status)
	require.Len(t, final.Credit, 1)
	assert.Equal(t, domain.EventRepaidLate, final.Credit[0].Event)
	assert.Equal(t, -14, final.Credit[0].Delta)

	stored, _ := f.ledger.Get("late-1")
	assert.Equal(t, "10100", stored.Repaid.String())
}

func TestLedger_RepayOnDueDateAndBonuses(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "whale", "BTC", 10)
	f.credit.Restore(&domain.CreditProfile{UserID: "whale", Score: 700, LoansCompleted: 4, OnTimePayments: 4})

	loan, _, err := f.ledger.Borrow("whale", "USDC", decimal.NewFromInt(200000), 7, f.quotes)
	require.NoError(t, err)

	f.now = loan.DueDate
	payment, err := f.ledger.Repay("whale", loan.ID, loan.TotalDue, f.quotes)
	require.NoError(t, err)

	require.Len(t, payment.Credit, 3)
	assert.Equal(t, domain.EventRepaidOnTime, payment.Credit[0].Event)
	assert.Equal(t, 23, payment.Credit[0].Delta)
	assert.Equal(t, domain.EventLargeLoanSuccess, payment.Credit[1].Event)
	assert.Equal(t, domain.EventConsistentHistory, payment.Credit[2].Event)
	assert.Equal(t, 700+23+20+30, f.credit.Profile("whale").Score)
}

func TestLedger_RepayErrors(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "BTC", 1)
	loan, _, err := f.ledger.Borrow("alice", "USDC", decimal.NewFromInt(100), 7, f.quotes)
	require.NoError(t, err)

	_, err = f.ledger.Repay("alice", "missing", decimal.NewFromInt(1), f.quotes)
	assert.ErrorIs(t, err, domain.ErrLoanNotFound)

	_, err = f.ledger.Repay("bob", loan.ID, decimal.NewFromInt(1), f.quotes)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.ledger.Repay("alice", loan.ID, decimal.NewFromInt(-1), f.quotes)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.Repay("alice", loan.ID, decimal.RequireFromString("1e-20000000"), f.quotes)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.MarkLiquidated(loan.ID)
	require.NoError(t, err)
	_, err = f.ledger.Repay("alice", loan.ID, decimal.NewFromInt(1), f.quotes)
	assert.ErrorIs(t, err, domain.ErrLoanInactive)
}

func TestLedger_RepayWithoutPrice(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "alice", "BTC", 1)
	loan, _, err := f.ledger.Borrow("alice", "USDC", decimal.NewFromInt(100), 7, f.quotes)
	require.NoError(t, err)

	payment, err := f.ledger.Repay("alice", loan.ID, decimal.NewFromInt(50), fixedQuotes{})
	require.NoError(t, err)
	assert.Equal(t, "50", payment.AmountPaid.String())
	assert.True(t, f.credit.Profile("alice").TotalRepaid.IsZero())
}

func TestLedger_CollateralRatio(t *testing.T) {
	f := newFixture(t)

	ratio, err := f.ledger.CollateralRatio("nobody", f.quotes)
	require.NoError(t, err)
	assert.True(t, ratio.IsInfinite())

	f.deposit(t, "alice", "BTC", 1)
	_, _, err = f.ledger.Borrow("alice", "USDC", decimal.NewFromInt(40000), 30, f.quotes)
	require.NoError(t, err)

	f.quotes["BTC"] = decimal.NewFromInt(45000)
	ratio, err = f.ledger.CollateralRatio("alice", f.quotes)
	require.NoError(t, err)
	assert.Equal(t, "1.1204", ratio.String())
}
