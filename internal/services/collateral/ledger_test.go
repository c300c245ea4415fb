package collateral

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

type fixedQuotes map[string]decimal.Decimal

func (q fixedQuotes) USD(asset string) (decimal.Decimal, error) {
	p, ok := q[asset]
	if !ok || !p.IsPositive() {
		return decimal.Zero, domain.OracleUnavailableError(asset)
	}
	return p, nil
}

func newTestLedger() *Ledger {
	book := domain.NewAssetBook([]domain.AssetSpec{
		{Symbol: "BTC", CollateralFactor: decimal.NewFromInt(1)},
		{Symbol: "ETH", CollateralFactor: decimal.RequireFromString("0.8")},
		{Symbol: "USDC", CollateralFactor: decimal.NewFromInt(1), Stable: true},
	})
	return NewLedger(book, zap.NewNop())
}

func TestLedger_Deposit(t *testing.T) {
	ledger := newTestLedger()
	q := fixedQuotes{"BTC": decimal.NewFromInt(60000), "ETH": decimal.NewFromInt(3000)}

	val, err := ledger.Deposit("alice", "btc", decimal.NewFromInt(1), q)
	require.NoError(t, err)
	assert.Equal(t, "60000", val.ValueUSD.String())

	val, err = ledger.Deposit("alice", "ETH", decimal.NewFromInt(10), q)
	require.NoError(t, err)
	assert.Equal(t, "90000", val.ValueUSD.String())
	assert.Equal(t, "84000", val.BorrowingPower.String())

	balances := ledger.Balances("alice")
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.Equal(t, "ETH", balances[1].Asset)
}

func TestLedger_DepositRejections(t *testing.T) {
	ledger := newTestLedger()
	q := fixedQuotes{"BTC": decimal.NewFromInt(60000)}

	_, err := ledger.Deposit("alice", "BTC", decimal.Zero, q)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = ledger.Deposit("alice", "DOGE", decimal.NewFromInt(1), q)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	_, err = ledger.Deposit("alice", "ETH", decimal.NewFromInt(1), q)
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable)
	assert.Empty(t, ledger.Balances("alice"))
}

func TestLedger_RejectsOutOfRangeAmounts(t *testing.T) {
	ledger := newTestLedger()
	q := fixedQuotes{"BTC": decimal.NewFromInt(60000)}
	_, err := ledger.Deposit("alice", "BTC", decimal.NewFromInt(1), q)
	require.NoError(t, err)

	for _, raw := range []string{"1e-20000000", "1e20000000", "0.0000000000000000001", "-1"} {
		t.Run(raw, func(t *testing.T) {
			amount := decimal.RequireFromString(raw)

			_, err := ledger.Deposit("alice", "BTC", amount, q)
			assert.ErrorIs(t, err, domain.ErrInvalidAmount)

			_, err = ledger.Withdraw("alice", "BTC", amount, decimal.Zero, decimal.NewFromInt(1), q)
			assert.ErrorIs(t, err, domain.ErrInvalidAmount)
		})
	}

	assert.Equal(t, "1", ledger.Snapshot("alice")["BTC"].String())
}

// blockingQuotes holds every lookup until release is closed.
type blockingQuotes struct {
	entered chan struct{}
	release chan struct{}
	price   decimal.Decimal
}

func (q *blockingQuotes) USD(string) (decimal.Decimal, error) {
	select {
	case q.entered <- struct{}{}:
	default:
	}
	<-q.release
	return q.price, nil
}

func TestLedger_SlowPriceDoesNotBlockOtherUsers(t *testing.T) {
	ledger := newTestLedger()
	slow := &blockingQuotes{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		price:   decimal.NewFromInt(60000),
	}

	aliceDone := make(chan error, 1)
	go func() {
		_, err := ledger.Deposit("alice", "BTC", decimal.NewFromInt(1), slow)
		aliceDone <- err
	}()
	<-slow.entered

	bobDone := make(chan error, 1)
	go func() {
		_, err := ledger.Deposit("bob", "BTC", decimal.NewFromInt(2), fixedQuotes{"BTC": decimal.NewFromInt(60000)})
		bobDone <- err
	}()

	select {
	case err := <-bobDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(slow.release)
		t.Fatal("bob's deposit waited for alice's price lookup")
	}

	close(slow.release)
	require.NoError(t, <-aliceDone)
	assert.Equal(t, "1", ledger.Snapshot("alice")["BTC"].String())
	assert.Equal(t, "2", ledger.Snapshot("bob")["BTC"].String())
}

func TestLedger_ConcurrentSeizeForcesRepricing(t *testing.T) {
	ledger := newTestLedger()
	ledger.Restore("alice", map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1)})

	slow := &blockingQuotes{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		price:   decimal.NewFromInt(60000),
	}
	done := make(chan error, 1)
	go func() {
		_, err := ledger.Deposit("alice", "BTC", decimal.NewFromInt(1), slow)
		done <- err
	}()
	<-slow.entered

	_, err := ledger.Seize("alice", "BTC", decimal.NewFromInt(1))
	require.NoError(t, err)
	close(slow.release)

	require.NoError(t, <-done)
	assert.Equal(t, "1", ledger.Snapshot("alice")["BTC"].String(), "deposit applied on top of the seized balance")
}

func TestLedger_Withdraw(t *testing.T) {
	ledger := newTestLedger()
	q := fixedQuotes{"BTC": decimal.NewFromInt(60000)}
	_, err := ledger.Deposit("alice", "BTC", decimal.NewFromInt(1), q)
	require.NoError(t, err)

	t.Run("more than balance", func(t *testing.T) {
		_, err := ledger.Withdraw("alice", "BTC", decimal.NewFromInt(2), decimal.Zero, decimal.NewFromInt(1), q)
		assert.ErrorIs(t, err, domain.ErrInsufficientCollateral)
	})

	t.Run("ratio breach", func(t *testing.T) {
		debt := decimal.NewFromInt(40000)
		_, err := ledger.Withdraw("alice", "BTC", decimal.RequireFromString("0.5"), debt, decimal.NewFromInt(1), q)
		require.ErrorIs(t, err, domain.ErrRatioBreach)

		var derr *domain.Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "0.75", derr.Current.String())
		assert.Equal(t, "1", derr.Required.String())
		assert.Equal(t, "10000", derr.Shortfall.String())
		assert.Equal(t, "1", ledger.Snapshot("alice")["BTC"].String())
	})

	t.Run("allowed", func(t *testing.T) {
		debt := decimal.NewFromInt(40000)
		remaining, err := ledger.Withdraw("alice", "BTC", decimal.RequireFromString("0.25"), debt, decimal.NewFromInt(1), q)
		require.NoError(t, err)
		require.True(t, remaining.Valid)
		assert.Equal(t, "45000", remaining.Decimal.String())
	})
}

func TestLedger_WithdrawWithoutDebtNeedsNoPrice(t *testing.T) {
	ledger := newTestLedger()
	ledger.Restore("alice", map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1), "ETH": decimal.NewFromInt(2)})
	onlyBTC := fixedQuotes{"BTC": decimal.NewFromInt(60000)}

	remaining, err := ledger.Withdraw("alice", "BTC", decimal.RequireFromString("0.5"), decimal.Zero, decimal.NewFromInt(1), onlyBTC)
	require.NoError(t, err)
	assert.False(t, remaining.Valid, "ETH has no price")
	assert.Equal(t, "0.5", ledger.Snapshot("alice")["BTC"].String())

	_, err = ledger.Withdraw("alice", "BTC", decimal.RequireFromString("0.1"), decimal.NewFromInt(100), decimal.NewFromInt(1), onlyBTC)
	assert.ErrorIs(t, err, domain.ErrOracleUnavailable, "with debt the ratio needs every price")
	assert.Equal(t, "0.5", ledger.Snapshot("alice")["BTC"].String())
}

func TestLedger_SeizeCapsAtBalance(t *testing.T) {
	ledger := newTestLedger()
	ledger.Restore("alice", map[string]decimal.Decimal{"BTC": decimal.RequireFromString("0.5")})

	taken, err := ledger.Seize("alice", "BTC", decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "0.5", taken.String())

	balances := ledger.Balances("alice")
	require.Len(t, balances, 1)
	assert.True(t, balances[0].Amount.IsZero())

	_, err = ledger.Seize("nobody", "BTC", decimal.NewFromInt(1))
	assert.Error(t, err)
}

func TestLedger_ZeroBalanceNeedsNoPrice(t *testing.T) {
	ledger := newTestLedger()
	ledger.Restore("alice", map[string]decimal.Decimal{"BTC": decimal.Zero, "USDC": decimal.NewFromInt(100)})

	val, err := ledger.Valuation("alice", fixedQuotes{"USDC": decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, "100", val.ValueUSD.String())
	assert.Equal(t, "100", ledger.Totals()["USDC"].String())
}
