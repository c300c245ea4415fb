package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lendingd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "1", cfg.Engine.MinCollateralRatio.String())
	assert.Equal(t, "0.95", cfg.Engine.LiquidationRatio.String())
	assert.Equal(t, "0.05", cfg.Engine.LiquidationFee.String())
	assert.Equal(t, "0.005", cfg.Engine.LatePenaltyPerDay.String())
	assert.Equal(t, []int{7, 14, 30, 60, 90}, cfg.Engine.Durations)
	assert.Equal(t, 700, cfg.Engine.InitialScore)
	assert.Equal(t, "50000000", cfg.Engine.Pools["USDC"].String())
	assert.Equal(t, "200", cfg.Engine.Pools["BTC"].String())
	require.Len(t, cfg.Engine.Assets, 9)
	assert.Equal(t, "BTC", cfg.Engine.Assets[0].Symbol)
	assert.Equal(t, []string{"USDC", "USDT"}, cfg.Oracle.Pegged)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, PlatformBinance, cfg.Platform)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
platform: static
engine:
  liquidation_fee: "0.08"
  loan_durations: [30, 60]
assets:
  - symbol: btc
    base_rate: "2"
    pool: "10"
  - symbol: USDC
    base_rate: "4"
    stable: true
    pool: "1000000"
  - symbol: LINK
    collateral_factor: "0.5"
tiers:
  a:
    interest_discount: "0"
oracle:
  cache_ttl: 5s
  max_age: 1m
  rate_limit: "2.5"
  static_prices:
    btc: "61000"
sweep:
  schedule: "@every 1m"
  workers: 2
journal:
  dir: /var/lib/lendingd/journal
  liquidations_dir: /var/lib/lendingd/liquidations
web:
  addr: ":9090"
kafka:
  brokers: ["localhost:9092"]
  topic: settlements
  write_timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, PlatformStatic, cfg.Platform)
	assert.Equal(t, "0.08", cfg.Engine.LiquidationFee.String())
	assert.Equal(t, "0.95", cfg.Engine.LiquidationRatio.String(), "unset fields keep defaults")
	assert.Equal(t, []int{30, 60}, cfg.Engine.Durations)

	require.Len(t, cfg.Engine.Assets, 3)
	assert.Equal(t, "BTC", cfg.Engine.Assets[0].Symbol)
	assert.Equal(t, "0.5", cfg.Engine.Assets[2].CollateralFactor.String())
	assert.True(t, cfg.Engine.Assets[1].Stable)
	require.Len(t, cfg.Engine.Pools, 2)
	assert.Equal(t, "10", cfg.Engine.Pools["BTC"].String())
	assert.Equal(t, "1000000", cfg.Engine.Pools["USDC"].String())

	for _, tier := range cfg.Engine.Tiers {
		if tier.Name == "A" {
			assert.True(t, tier.InterestDiscount.IsZero())
		}
	}

	assert.Equal(t, 5*time.Second, cfg.Oracle.CacheTTL)
	assert.Equal(t, time.Minute, cfg.Oracle.MaxAge)
	assert.Equal(t, 2.5, cfg.Oracle.RateLimit)
	assert.Equal(t, "61000", cfg.Oracle.StaticPrices["BTC"].String())

	assert.Equal(t, "@every 1m", cfg.Sweep.SweepSpec)
	assert.Equal(t, "@daily", cfg.Sweep.AgeSpec)
	assert.Equal(t, 2, cfg.Sweep.Workers)

	assert.Equal(t, "/var/lib/lendingd/journal", cfg.Journal.Dir)
	assert.Equal(t, ":9090", cfg.Web.Addr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "settlements", cfg.Kafka.Topic)
	assert.Equal(t, 3*time.Second, cfg.Kafka.WriteTimeout)
}

func TestLoad_Rejects(t *testing.T) {
	tests := map[string]string{
		"bad decimal":         "engine:\n  liquidation_fee: abc\n",
		"unknown tier":        "tiers:\n  Z:\n    max_ltv: \"0.5\"\n",
		"unknown platform":    "platform: kraken\n",
		"static needs prices": "platform: static\n",
		"ratio order":         "engine:\n  liquidation_ratio: \"1.2\"\n",
		"pool not borrowable": "assets:\n  - symbol: LINK\n    pool: \"5\"\n",
		"factor above one":    "assets:\n  - symbol: BTC\n    collateral_factor: \"1.5\"\n",
		"same wal dirs":       "journal:\n  dir: data\n  liquidations_dir: data\n",
		"max age below ttl":   "oracle:\n  cache_ttl: 1m\n  max_age: 10s\n",
		"malformed yaml":      "engine: [\n",
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseFlagsAndGet(t *testing.T) {
	f, err := ParseFlags([]string{"--debug", "--addr", ":7070", "--platform", "BYBIT"}, nil)
	require.NoError(t, err)
	assert.True(t, f.Debug)
	assert.Empty(t, f.ConfigPath)

	cfg, err := Get(f)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Web.Addr)
	assert.Equal(t, PlatformBybit, cfg.Platform)

	_, err = ParseFlags([]string{"--unknown"}, io.Discard)
	assert.Error(t, err)
}

func TestValidate_KafkaNeedsTopic(t *testing.T) {
	cfg := Default()
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.Topic = ""
	assert.Error(t, cfg.Validate())
}
