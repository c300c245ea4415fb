package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

type fakeProvider struct {
	closes map[string][]decimal.Decimal
	pairs  []domain.Pair
}

func (f *fakeProvider) Closes(_ context.Context, pair domain.Pair, _ string, _ int) ([]decimal.Decimal, error) {
	f.pairs = append(f.pairs, pair)
	c, ok := f.closes[pair.From]
	if !ok {
		return nil, errors.New("unknown symbol")
	}
	return c, nil
}

func TestWarmUp(t *testing.T) {
	provider := &fakeProvider{closes: map[string][]decimal.Decimal{
		"BTC": {decimal.NewFromInt(60000), decimal.NewFromInt(60100)},
		"ETH": {},
	}}

	got := map[string]int{}
	warmed := WarmUp(context.Background(), provider, func(asset string, closes []decimal.Decimal) {
		got[asset] = len(closes)
	}, []string{"BTC", "ETH", "SOL"}, "USDT", "1h", 50, zap.NewNop())

	assert.Equal(t, 1, warmed)
	assert.Equal(t, map[string]int{"BTC": 2}, got)
	require.Len(t, provider.pairs, 3)
	assert.Equal(t, "BTCUSDT", provider.pairs[0].Symbol())
}

func TestWarmUp_StopsOnCancelledContext(t *testing.T) {
	provider := &fakeProvider{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	warmed := WarmUp(ctx, provider, func(string, []decimal.Decimal) {}, []string{"BTC"}, "USDT", "1h", 50, nil)

	assert.Zero(t, warmed)
	assert.Empty(t, provider.pairs)
}

func TestParseIntervalToDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{input: "1m", want: time.Minute},
		{input: "15m", want: 15 * time.Minute},
		{input: "4h", want: 4 * time.Hour},
		{input: "1d", want: 24 * time.Hour},
		{input: "", wantErr: true},
		{input: "m", wantErr: true},
		{input: "1w", wantErr: true},
		{input: "x5m", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseIntervalToDuration(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertIntervalToBybit(t *testing.T) {
	tests := map[string]string{
		"1m":  "1",
		"15m": "15",
		"1h":  "60",
		"4h":  "240",
		"1d":  "D",
		"1w":  "W",
	}
	for in, want := range tests {
		got, err := convertIntervalToBybit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := convertIntervalToBybit("5s")
	assert.Error(t, err)
	_, err = convertIntervalToBybit("h")
	assert.Error(t, err)
}

func TestParseCloses(t *testing.T) {
	closes, err := parseCloses([]string{"100.5", "101", "99.25"})
	require.NoError(t, err)
	require.Len(t, closes, 3)
	assert.Equal(t, "100.5", closes[0].String())
	assert.Equal(t, "99.25", closes[2].String())

	_, err = parseCloses([]string{"100", "abc"})
	assert.Error(t, err)
	_, err = parseCloses([]string{"100", "0"})
	assert.Error(t, err)
}
