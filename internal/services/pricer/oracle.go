package pricer

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	OutcomeFresh    = "fresh"
	OutcomeCached   = "cached"
	OutcomeStale    = "stale_fallback"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomePegged   = "pegged"
)

// Observer is notified of every price resolution.
type Observer interface {
	ObservePrice(asset, outcome string)
}

// Config tunes the oracle.
type Config struct {
	// QuoteAsset currency every asset is quoted against on the exchange.
	QuoteAsset string
	// Pegged assets always priced at one USD.
	Pegged []string
	// CacheTTL how long a fetched price is served without asking the source again.
	CacheTTL time.Duration
	// MaxAge oldest cached price served when the source fails.
	MaxAge              time.Duration
	RequestTimeout      time.Duration
	RateLimit           float64
	Burst               int
	MaxRetries          int
	RetryInterval       time.Duration
	BreakerFailures     uint32
	BreakerCooldown     time.Duration
	MaxDeviationPercent decimal.Decimal
	GuardPeriod         int
}

type cachedPrice struct {
	value decimal.Decimal
	at    time.Time
}

// Oracle resolves USD prices from a Source with rate limiting, per-asset circuit
// breaking, retries, a last-good cache and a deviation guard. Any failure yields an
// unknown price, never zero.
type Oracle struct {
	source   Source
	cfg      Config
	limiter  *rate.Limiter
	retrier  *retrier.Retrier
	guard    *deviationGuard
	pegged   map[string]bool
	now      func() time.Time
	observer Observer
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cache    map[string]cachedPrice
}

// Option customizes the oracle.
type Option func(*Oracle)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// WithObserver registers a resolution observer.
func WithObserver(obs Observer) Option {
	return func(o *Oracle) { o.observer = obs }
}

// NewOracle creates an oracle over source.
func NewOracle(source Source, cfg Config, logger *zap.Logger, opts ...Option) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger = logger.With(zap.String("component", "oracle"))
	o := &Oracle{
		source:  source,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		guard:   newDeviationGuard(cfg.GuardPeriod, cfg.MaxDeviationPercent),
		pegged:  make(map[string]bool, len(cfg.Pegged)),
		now:     time.Now,
		logger:  logger,

		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cache:    make(map[string]cachedPrice),
	}
	o.retrier = retrier.New(
		retrier.WithMaxRetries(cfg.MaxRetries),
		retrier.WithInitialInterval(cfg.RetryInterval),
		retrier.WithOnRetry(func(attempt int, err error) {
			logger.Debug("retrying price fetch", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)
	for _, asset := range cfg.Pegged {
		o.pegged[domain.NormalizeAsset(asset)] = true
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Price resolves the USD price of asset.
func (o *Oracle) Price(ctx context.Context, asset string) domain.Price {
	return o.resolve(ctx, domain.NormalizeAsset(asset), false)
}

// Refresh fetches fresh prices for assets bypassing the cache TTL.
func (o *Oracle) Refresh(ctx context.Context, assets []string) map[string]domain.Price {
	out := make(map[string]domain.Price, len(assets))
	for _, a := range assets {
		if ctx.Err() != nil {
			break
		}
		a = domain.NormalizeAsset(a)
		out[a] = o.resolve(ctx, a, true)
	}
	return out
}

// Warm seeds the deviation guard of asset with historical closes.
func (o *Oracle) Warm(asset string, closes []decimal.Decimal) {
	o.guard.warm(domain.NormalizeAsset(asset), closes)
}

// Quotes starts a per-operation price snapshot.
func (o *Oracle) Quotes(ctx context.Context) *Quotes {
	return &Quotes{ctx: ctx, oracle: o, memo: make(map[string]domain.Price)}
}

func (o *Oracle) resolve(ctx context.Context, asset string, force bool) domain.Price {
	if o.pegged[asset] {
		o.observe(asset, OutcomePegged)
		return domain.KnownPrice(decimal.NewFromInt(1))
	}

	cached, hasCache := o.cached(asset)
	if !force && hasCache && o.now().Sub(cached.at) < o.cfg.CacheTTL {
		o.observe(asset, OutcomeCached)
		return domain.KnownPrice(cached.value)
	}

	value, err := o.fetch(ctx, asset)
	if err == nil {
		ok, deviation := o.guard.accept(asset, value)
		if ok {
			o.store(asset, value)
			o.observe(asset, OutcomeFresh)
			return domain.KnownPrice(value)
		}
		o.observe(asset, OutcomeRejected)
		o.logger.Warn("price rejected by deviation guard",
			zap.String("asset", asset),
			zap.String("price", value.String()),
			zap.String("deviation_pct", deviation.StringFixed(2)))
		return domain.UnknownPrice()
	}

	if hasCache && o.cfg.MaxAge > 0 && o.now().Sub(cached.at) < o.cfg.MaxAge {
		o.observe(asset, OutcomeStale)
		o.logger.Warn("serving cached price", zap.String("asset", asset), zap.Error(err))
		return domain.KnownPrice(cached.value)
	}

	o.observe(asset, OutcomeFailed)
	o.logger.Error("price unavailable", zap.String("asset", asset), zap.Error(err))
	return domain.UnknownPrice()
}

func (o *Oracle) fetch(ctx context.Context, asset string) (decimal.Decimal, error) {
	if o.source == nil {
		return decimal.Zero, errors.New("no price source configured")
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	pair := domain.Pair{From: asset, To: o.cfg.QuoteAsset}
	res, err := o.breaker(asset).Execute(func() (interface{}, error) {
		return retrier.DoWithData(o.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
			if err := o.limiter.Wait(ctx); err != nil {
				return decimal.Zero, retrier.Permanent(err)
			}
			return o.source.GetPrice(ctx, pair)
		})
	})
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "fetch price %s", pair.String())
	}

	price := res.(decimal.Decimal)
	if !price.IsPositive() {
		return decimal.Zero, errors.Errorf("source returned non-positive price %s for %s", price, pair.String())
	}

	return price, nil
}

func (o *Oracle) breaker(asset string) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	cb, ok := o.breakers[asset]
	if !ok {
		failures := o.cfg.BreakerFailures
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "price-" + asset,
			Timeout: o.cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				o.logger.Warn("price breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		o.breakers[asset] = cb
	}

	return cb
}

func (o *Oracle) cached(asset string) (cachedPrice, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.cache[asset]
	return c, ok
}

func (o *Oracle) store(asset string, value decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cache[asset] = cachedPrice{value: value, at: o.now()}
}

func (o *Oracle) observe(asset, outcome string) {
	if o.observer != nil {
		o.observer.ObservePrice(asset, outcome)
	}
}
