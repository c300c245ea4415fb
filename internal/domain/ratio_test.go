package domain

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRatio(t *testing.T) {
	r := NewRatio(decimal.NewFromInt(45000), decimal.RequireFromString("40164.38"))
	require.False(t, r.IsInfinite())
	assert.Equal(t, "1.1204", r.String())
	assert.False(t, r.LessThan(decimal.RequireFromString("0.95")))

	inf := NewRatio(decimal.NewFromInt(100), decimal.Zero)
	assert.True(t, inf.IsInfinite())
	assert.False(t, inf.LessThan(decimal.NewFromInt(1000000)))
}

func TestRatioJSON(t *testing.T) {
	data, err := json.Marshal(InfiniteRatio())
	require.NoError(t, err)
	assert.JSONEq(t, `"inf"`, string(data))

	var r Ratio
	require.NoError(t, json.Unmarshal([]byte(`"1.2500"`), &r))
	assert.True(t, r.Value().Equal(decimal.RequireFromString("1.25")))

	require.NoError(t, json.Unmarshal([]byte(`"inf"`), &r))
	assert.True(t, r.IsInfinite())
}

func TestKnownPrice(t *testing.T) {
	_, ok := KnownPrice(decimal.Zero).Value()
	assert.False(t, ok)
	_, ok = KnownPrice(decimal.NewFromInt(-3)).Value()
	assert.False(t, ok)

	v, ok := KnownPrice(decimal.NewFromInt(60000)).Value()
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromInt(60000)))
	assert.Equal(t, "unknown", UnknownPrice().String())
}

func TestHealth(t *testing.T) {
	tests := []struct {
		ratio Ratio
		want  HealthStatus
	}{
		{InfiniteRatio(), HealthSafe},
		{NewRatio(decimal.NewFromInt(3), decimal.NewFromInt(1)), HealthHealthy},
		{NewRatio(decimal.NewFromInt(15), decimal.NewFromInt(10)), HealthGood},
		{NewRatio(decimal.NewFromInt(14), decimal.NewFromInt(10)), HealthWarning},
		{NewRatio(decimal.NewFromInt(12), decimal.NewFromInt(10)), HealthDanger},
		{NewRatio(decimal.NewFromInt(11), decimal.NewFromInt(10)), HealthLiquidation},
	}

	for _, tt := range tests {
		status, msg := Health(tt.ratio)
		assert.Equal(t, tt.want, status, tt.ratio.String())
		assert.NotEmpty(t, msg)
	}
}
