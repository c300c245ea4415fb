package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/engine"
	"github.com/vadiminshakov/lendingd/internal/publisher"
	"github.com/vadiminshakov/lendingd/internal/services/pricer"
	"github.com/vadiminshakov/lendingd/internal/storage/journal"
	"github.com/vadiminshakov/lendingd/internal/sweeper"
)

// defaultAssets in seizure order. Stablecoins go last so volatile collateral is sold first.
var defaultAssets = []struct {
	symbol string
	rate   string
	stable bool
	pool   string
}{
	{symbol: "BTC", rate: "2.5", pool: "200"},
	{symbol: "ETH", rate: "3", pool: "5000"},
	{symbol: "SOL", rate: "8", pool: "100000"},
	{symbol: "ARB", rate: "10"},
	{symbol: "AVAX"},
	{symbol: "LINK"},
	{symbol: "UNI"},
	{symbol: "USDC", rate: "5", stable: true, pool: "50000000"},
	{symbol: "USDT", rate: "5", stable: true, pool: "30000000"},
}

// Default configuration with the standard lending constants.
func Default() Config {
	assets := make([]domain.AssetSpec, 0, len(defaultAssets))
	pools := make(map[string]decimal.Decimal)
	for _, a := range defaultAssets {
		spec := domain.AssetSpec{Symbol: a.symbol, CollateralFactor: decimal.NewFromInt(1), Stable: a.stable}
		if a.rate != "" {
			spec.BaseRate = decimal.RequireFromString(a.rate)
		}
		if a.pool != "" {
			pools[a.symbol] = decimal.RequireFromString(a.pool)
		}
		assets = append(assets, spec)
	}

	return Config{
		Platform: PlatformBinance,
		Engine: engine.Config{
			Assets:                assets,
			Tiers:                 domain.DefaultTiers(),
			InitialScore:          700,
			HistoryCap:            50,
			MinCollateralRatio:    decimal.NewFromInt(1),
			LiquidationRatio:      decimal.RequireFromString("0.95"),
			LiquidationFee:        decimal.RequireFromString("0.05"),
			LatePenaltyPerDay:     decimal.RequireFromString("0.005"),
			LargeLoanThresholdUSD: decimal.NewFromInt(100000),
			Durations:             []int{7, 14, 30, 60, 90},
			Pools:                 pools,
		},
		Oracle: OracleConfig{
			Config: pricer.Config{
				QuoteAsset:          "USDT",
				Pegged:              []string{"USDC", "USDT"},
				CacheTTL:            10 * time.Second,
				MaxAge:              2 * time.Minute,
				RequestTimeout:      5 * time.Second,
				RateLimit:           10,
				Burst:               5,
				MaxRetries:          3,
				RetryInterval:       200 * time.Millisecond,
				BreakerFailures:     5,
				BreakerCooldown:     30 * time.Second,
				MaxDeviationPercent: decimal.NewFromInt(15),
				GuardPeriod:         20,
			},
			HyperliquidURL: "https://api.hyperliquid.xyz",
			WarmupInterval: "1h",
			WarmupLimit:    50,
		},
		Sweep: sweeper.Config{
			SweepSpec:      "@every 30s",
			AgeSpec:        "@daily",
			CheckpointSpec: "@hourly",
			Workers:        8,
		},
		Journal: JournalConfig{
			Config: journal.Config{
				Dir:              "data/journal",
				SegmentThreshold: 1000,
				MaxSegments:      100,
			},
			LiquidationsDir: "data/liquidations",
		},
		Web: WebConfig{
			Addr:         ":8080",
			JWTIssuer:    "lendingd",
			CertCacheDir: "cert-cache",
		},
		Kafka: publisher.Config{
			Topic:        "lendingd.liquidations",
			MaxAttempts:  3,
			WriteTimeout: 10 * time.Second,
		},
	}
}
