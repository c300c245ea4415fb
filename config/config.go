package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/engine"
	"github.com/vadiminshakov/lendingd/internal/publisher"
	"github.com/vadiminshakov/lendingd/internal/services/pricer"
	"github.com/vadiminshakov/lendingd/internal/storage/journal"
	"github.com/vadiminshakov/lendingd/internal/sweeper"
	"gopkg.in/yaml.v3"
)

// Supported price platforms.
const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"
	PlatformStatic      = "static"
)

// Config fully parsed lendingd configuration.
type Config struct {
	Platform string
	Engine   engine.Config
	Oracle   OracleConfig
	Sweep    sweeper.Config
	Journal  JournalConfig
	Web      WebConfig
	// Kafka publishing is disabled when no brokers are configured.
	Kafka publisher.Config
}

// OracleConfig price feed settings.
type OracleConfig struct {
	pricer.Config
	// StaticPrices quotes served by the static platform.
	StaticPrices   map[string]decimal.Decimal
	HyperliquidURL string
	// WarmupInterval kline interval used to seed the deviation guard; empty disables warm-up.
	WarmupInterval string
	WarmupLimit    int
}

// JournalConfig WAL locations.
type JournalConfig struct {
	journal.Config
	LiquidationsDir string
}

// WebConfig HTTP API settings.
type WebConfig struct {
	Addr         string
	JWTIssuer    string
	TLSDomains   []string
	CertCacheDir string
}

// ConfigTmp raw YAML document. Decimals are kept as strings and parsed in Parse.
type ConfigTmp struct {
	Platform string                     `yaml:"platform"`
	Engine   EngineTmp                  `yaml:"engine"`
	Assets   []AssetTmp                 `yaml:"assets,omitempty"`
	Tiers    map[string]TierOverrideTmp `yaml:"tiers,omitempty"`
	Oracle   OracleTmp                  `yaml:"oracle"`
	Sweep    SweepTmp                   `yaml:"sweep"`
	Journal  JournalTmp                 `yaml:"journal"`
	Web      WebTmp                     `yaml:"web"`
	Kafka    KafkaTmp                   `yaml:"kafka"`
}

type EngineTmp struct {
	MinCollateralRatio    string `yaml:"min_collateral_ratio,omitempty"`
	LiquidationRatio      string `yaml:"liquidation_ratio,omitempty"`
	LiquidationFee        string `yaml:"liquidation_fee,omitempty"`
	LatePenaltyPerDay     string `yaml:"late_penalty_per_day,omitempty"`
	LargeLoanThresholdUSD string `yaml:"large_loan_threshold_usd,omitempty"`
	InitialScore          int    `yaml:"initial_score,omitempty"`
	HistoryCap            int    `yaml:"history_cap,omitempty"`
	LoanDurations         []int  `yaml:"loan_durations,omitempty"`
}

type AssetTmp struct {
	Symbol           string `yaml:"symbol"`
	CollateralFactor string `yaml:"collateral_factor,omitempty"`
	BaseRate         string `yaml:"base_rate,omitempty"`
	Stable           bool   `yaml:"stable,omitempty"`
	Pool             string `yaml:"pool,omitempty"`
}

type TierOverrideTmp struct {
	InterestDiscount string `yaml:"interest_discount,omitempty"`
	MaxLTV           string `yaml:"max_ltv,omitempty"`
}

type OracleTmp struct {
	QuoteAsset          string            `yaml:"quote_asset,omitempty"`
	Pegged              []string          `yaml:"pegged,omitempty"`
	CacheTTL            time.Duration     `yaml:"cache_ttl,omitempty"`
	MaxAge              time.Duration     `yaml:"max_age,omitempty"`
	RequestTimeout      time.Duration     `yaml:"request_timeout,omitempty"`
	RateLimit           string            `yaml:"rate_limit,omitempty"`
	Burst               int               `yaml:"burst,omitempty"`
	MaxRetries          int               `yaml:"max_retries,omitempty"`
	RetryInterval       time.Duration     `yaml:"retry_interval,omitempty"`
	BreakerFailures     uint32            `yaml:"breaker_failures,omitempty"`
	BreakerCooldown     time.Duration     `yaml:"breaker_cooldown,omitempty"`
	MaxDeviationPercent string            `yaml:"max_deviation_percent,omitempty"`
	GuardPeriod         int               `yaml:"guard_period,omitempty"`
	WarmupInterval      string            `yaml:"warmup_interval,omitempty"`
	WarmupLimit         int               `yaml:"warmup_limit,omitempty"`
	StaticPrices        map[string]string `yaml:"static_prices,omitempty"`
	HyperliquidURL      string            `yaml:"hyperliquid_url,omitempty"`
}

type SweepTmp struct {
	Schedule           string `yaml:"schedule,omitempty"`
	AccountAgeSchedule string `yaml:"account_age_schedule,omitempty"`
	CheckpointSchedule string `yaml:"checkpoint_schedule,omitempty"`
	Workers            int    `yaml:"workers,omitempty"`
}

type JournalTmp struct {
	Dir              string `yaml:"dir,omitempty"`
	LiquidationsDir  string `yaml:"liquidations_dir,omitempty"`
	SegmentThreshold int    `yaml:"segment_threshold,omitempty"`
	MaxSegments      int    `yaml:"max_segments,omitempty"`
}

type WebTmp struct {
	Addr         string   `yaml:"addr,omitempty"`
	JWTIssuer    string   `yaml:"jwt_issuer,omitempty"`
	TLSDomains   []string `yaml:"tls_domains,omitempty"`
	CertCacheDir string   `yaml:"cert_cache_dir,omitempty"`
}

type KafkaTmp struct {
	Brokers      []string      `yaml:"brokers,omitempty"`
	Topic        string        `yaml:"topic,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// Load reads and validates the YAML file at path. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func read(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}

	return Parse(tmp)
}

// Parse overlays the raw document on the defaults.
func Parse(tmp ConfigTmp) (Config, error) {
	cfg := Default()

	if tmp.Platform != "" {
		cfg.Platform = strings.ToLower(tmp.Platform)
	}
	if err := parseEngine(tmp.Engine, &cfg.Engine); err != nil {
		return Config{}, err
	}
	if len(tmp.Assets) > 0 {
		assets, pools, err := parseAssets(tmp.Assets)
		if err != nil {
			return Config{}, err
		}
		cfg.Engine.Assets = assets
		cfg.Engine.Pools = pools
	}
	for name, override := range tmp.Tiers {
		if err := applyTierOverride(cfg.Engine.Tiers, name, override); err != nil {
			return Config{}, err
		}
	}
	if err := parseOracle(tmp.Oracle, &cfg.Oracle); err != nil {
		return Config{}, err
	}

	if tmp.Sweep.Schedule != "" {
		cfg.Sweep.SweepSpec = tmp.Sweep.Schedule
	}
	if tmp.Sweep.AccountAgeSchedule != "" {
		cfg.Sweep.AgeSpec = tmp.Sweep.AccountAgeSchedule
	}
	if tmp.Sweep.CheckpointSchedule != "" {
		cfg.Sweep.CheckpointSpec = tmp.Sweep.CheckpointSchedule
	}
	if tmp.Sweep.Workers != 0 {
		cfg.Sweep.Workers = tmp.Sweep.Workers
	}

	if tmp.Journal.Dir != "" {
		cfg.Journal.Dir = tmp.Journal.Dir
	}
	if tmp.Journal.LiquidationsDir != "" {
		cfg.Journal.LiquidationsDir = tmp.Journal.LiquidationsDir
	}
	if tmp.Journal.SegmentThreshold != 0 {
		cfg.Journal.SegmentThreshold = tmp.Journal.SegmentThreshold
	}
	if tmp.Journal.MaxSegments != 0 {
		cfg.Journal.MaxSegments = tmp.Journal.MaxSegments
	}

	if tmp.Web.Addr != "" {
		cfg.Web.Addr = tmp.Web.Addr
	}
	if tmp.Web.JWTIssuer != "" {
		cfg.Web.JWTIssuer = tmp.Web.JWTIssuer
	}
	if len(tmp.Web.TLSDomains) > 0 {
		cfg.Web.TLSDomains = tmp.Web.TLSDomains
	}
	if tmp.Web.CertCacheDir != "" {
		cfg.Web.CertCacheDir = tmp.Web.CertCacheDir
	}

	cfg.Kafka.Brokers = tmp.Kafka.Brokers
	if tmp.Kafka.Topic != "" {
		cfg.Kafka.Topic = tmp.Kafka.Topic
	}
	if tmp.Kafka.MaxAttempts != 0 {
		cfg.Kafka.MaxAttempts = tmp.Kafka.MaxAttempts
	}
	if tmp.Kafka.WriteTimeout != 0 {
		cfg.Kafka.WriteTimeout = tmp.Kafka.WriteTimeout
	}

	return cfg, nil
}

func parseEngine(tmp EngineTmp, cfg *engine.Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"min_collateral_ratio", tmp.MinCollateralRatio, &cfg.MinCollateralRatio},
		{"liquidation_ratio", tmp.LiquidationRatio, &cfg.LiquidationRatio},
		{"liquidation_fee", tmp.LiquidationFee, &cfg.LiquidationFee},
		{"late_penalty_per_day", tmp.LatePenaltyPerDay, &cfg.LatePenaltyPerDay},
		{"large_loan_threshold_usd", tmp.LargeLoanThresholdUSD, &cfg.LargeLoanThresholdUSD},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return fmt.Errorf("incorrect 'engine.%s' param in yaml config (must be a decimal), error: %w", f.name, err)
		}
		*f.dst = v
	}

	if tmp.InitialScore != 0 {
		cfg.InitialScore = tmp.InitialScore
	}
	if tmp.HistoryCap != 0 {
		cfg.HistoryCap = tmp.HistoryCap
	}
	if len(tmp.LoanDurations) > 0 {
		cfg.Durations = tmp.LoanDurations
	}
	return nil
}

func parseAssets(raw []AssetTmp) ([]domain.AssetSpec, map[string]decimal.Decimal, error) {
	assets := make([]domain.AssetSpec, 0, len(raw))
	pools := make(map[string]decimal.Decimal)

	for _, a := range raw {
		symbol := domain.NormalizeAsset(a.Symbol)
		if symbol == "" {
			return nil, nil, errors.New("asset without symbol in yaml config")
		}
		spec := domain.AssetSpec{Symbol: symbol, CollateralFactor: decimal.NewFromInt(1), Stable: a.Stable}

		if a.CollateralFactor != "" {
			v, err := decimal.NewFromString(a.CollateralFactor)
			if err != nil {
				return nil, nil, fmt.Errorf("incorrect 'collateral_factor' for asset %s (must be a decimal), error: %w", symbol, err)
			}
			spec.CollateralFactor = v
		}
		if a.BaseRate != "" {
			v, err := decimal.NewFromString(a.BaseRate)
			if err != nil {
				return nil, nil, fmt.Errorf("incorrect 'base_rate' for asset %s (must be a decimal), error: %w", symbol, err)
			}
			spec.BaseRate = v
		}
		if a.Pool != "" {
			v, err := decimal.NewFromString(a.Pool)
			if err != nil {
				return nil, nil, fmt.Errorf("incorrect 'pool' for asset %s (must be a decimal), error: %w", symbol, err)
			}
			pools[symbol] = v
		}

		assets = append(assets, spec)
	}

	return assets, pools, nil
}

func applyTierOverride(tiers domain.TierTable, name string, override TierOverrideTmp) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i := range tiers {
		if tiers[i].Name != name {
			continue
		}
		if override.InterestDiscount != "" {
			v, err := decimal.NewFromString(override.InterestDiscount)
			if err != nil {
				return fmt.Errorf("incorrect 'interest_discount' for tier %s (must be a decimal), error: %w", name, err)
			}
			tiers[i].InterestDiscount = v
		}
		if override.MaxLTV != "" {
			v, err := decimal.NewFromString(override.MaxLTV)
			if err != nil {
				return fmt.Errorf("incorrect 'max_ltv' for tier %s (must be a decimal), error: %w", name, err)
			}
			tiers[i].MaxLTV = v
		}
		return nil
	}
	return errors.Errorf("unknown tier %q in yaml config", name)
}

func parseOracle(tmp OracleTmp, cfg *OracleConfig) error {
	if tmp.QuoteAsset != "" {
		cfg.QuoteAsset = domain.NormalizeAsset(tmp.QuoteAsset)
	}
	if len(tmp.Pegged) > 0 {
		cfg.Pegged = tmp.Pegged
	}
	if tmp.CacheTTL != 0 {
		cfg.CacheTTL = tmp.CacheTTL
	}
	if tmp.MaxAge != 0 {
		cfg.MaxAge = tmp.MaxAge
	}
	if tmp.RequestTimeout != 0 {
		cfg.RequestTimeout = tmp.RequestTimeout
	}
	if tmp.RateLimit != "" {
		v, err := decimal.NewFromString(tmp.RateLimit)
		if err != nil {
			return fmt.Errorf("incorrect 'oracle.rate_limit' param in yaml config (must be a decimal), error: %w", err)
		}
		cfg.RateLimit = v.InexactFloat64()
	}
	if tmp.Burst != 0 {
		cfg.Burst = tmp.Burst
	}
	if tmp.MaxRetries != 0 {
		cfg.MaxRetries = tmp.MaxRetries
	}
	if tmp.RetryInterval != 0 {
		cfg.RetryInterval = tmp.RetryInterval
	}
	if tmp.BreakerFailures != 0 {
		cfg.BreakerFailures = tmp.BreakerFailures
	}
	if tmp.BreakerCooldown != 0 {
		cfg.BreakerCooldown = tmp.BreakerCooldown
	}
	if tmp.MaxDeviationPercent != "" {
		v, err := decimal.NewFromString(tmp.MaxDeviationPercent)
		if err != nil {
			return fmt.Errorf("incorrect 'oracle.max_deviation_percent' param in yaml config (must be a decimal), error: %w", err)
		}
		cfg.MaxDeviationPercent = v
	}
	if tmp.GuardPeriod != 0 {
		cfg.GuardPeriod = tmp.GuardPeriod
	}
	if tmp.WarmupInterval != "" {
		cfg.WarmupInterval = tmp.WarmupInterval
	}
	if tmp.WarmupLimit != 0 {
		cfg.WarmupLimit = tmp.WarmupLimit
	}
	if tmp.HyperliquidURL != "" {
		cfg.HyperliquidURL = tmp.HyperliquidURL
	}
	if len(tmp.StaticPrices) > 0 {
		cfg.StaticPrices = make(map[string]decimal.Decimal, len(tmp.StaticPrices))
		for asset, raw := range tmp.StaticPrices {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return fmt.Errorf("incorrect static price for %s (must be a decimal), error: %w", asset, err)
			}
			cfg.StaticPrices[domain.NormalizeAsset(asset)] = v
		}
	}
	return nil
}

// Validate fails fast on a configuration the engine cannot run with.
func (c Config) Validate() error {
	switch c.Platform {
	case PlatformBinance, PlatformBybit, PlatformHyperliquid:
	case PlatformStatic:
		if len(c.Oracle.StaticPrices) == 0 {
			return errors.New("platform static requires oracle.static_prices")
		}
	default:
		return errors.Errorf("unsupported platform %q", c.Platform)
	}

	if err := c.Engine.Validate(); err != nil {
		return errors.Wrap(err, "engine config")
	}

	if c.Oracle.QuoteAsset == "" {
		return errors.New("oracle.quote_asset is required")
	}
	if c.Oracle.MaxAge < c.Oracle.CacheTTL {
		return errors.Errorf("oracle.max_age %s is shorter than oracle.cache_ttl %s", c.Oracle.MaxAge, c.Oracle.CacheTTL)
	}
	if c.Oracle.MaxDeviationPercent.IsNegative() {
		return errors.New("oracle.max_deviation_percent must not be negative")
	}
	if c.Oracle.WarmupInterval != "" && c.Oracle.WarmupLimit <= 0 {
		return errors.New("oracle.warmup_limit must be positive when warm-up is enabled")
	}

	if c.Sweep.Workers <= 0 {
		return errors.New("sweep.workers must be positive")
	}
	if c.Journal.Dir == "" || c.Journal.LiquidationsDir == "" {
		return errors.New("journal.dir and journal.liquidations_dir are required")
	}
	if c.Journal.Dir == c.Journal.LiquidationsDir {
		return errors.New("journal.dir and journal.liquidations_dir must differ")
	}
	if c.Web.Addr == "" {
		return errors.New("web.addr is required")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}

	return nil
}
