// Package engine is the operation surface of the lending engine. It owns every
// ledger, serializes operations per user and persists, broadcasts and counts
// their outcomes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/events"
	"github.com/vadiminshakov/lendingd/internal/metrics"
	"github.com/vadiminshakov/lendingd/internal/services/collateral"
	"github.com/vadiminshakov/lendingd/internal/services/credit"
	"github.com/vadiminshakov/lendingd/internal/services/liquidation"
	"github.com/vadiminshakov/lendingd/internal/services/loans"
	"github.com/vadiminshakov/lendingd/internal/services/pool"
	"github.com/vadiminshakov/lendingd/internal/services/pricer"
	"github.com/vadiminshakov/lendingd/internal/storage/journal"
	"github.com/vadiminshakov/lendingd/internal/storage/liquidations"
	"go.uber.org/zap"
)

// Config engine parameters, fixed for the lifetime of the instance.
type Config struct {
	Assets                []domain.AssetSpec
	Tiers                 domain.TierTable
	InitialScore          int
	HistoryCap            int
	MinCollateralRatio    decimal.Decimal
	LiquidationRatio      decimal.Decimal
	LiquidationFee        decimal.Decimal
	LatePenaltyPerDay     decimal.Decimal
	LargeLoanThresholdUSD decimal.Decimal
	Durations             []int
	Pools                 map[string]decimal.Decimal
}

// Journal durable user and pool state.
type Journal interface {
	SaveUser(state journal.UserState) error
	SavePools(pools []pool.State) error
	Load() (journal.State, error)
}

// LiquidationLog append-only liquidation records.
type LiquidationLog interface {
	Append(rec domain.LiquidationRecord) (uint64, error)
	After(index uint64) ([]liquidations.Entry, error)
}

// memoryLog LiquidationLog used when no durable log is configured.
type memoryLog struct {
	mu      sync.RWMutex
	entries []liquidations.Entry
}

func (m *memoryLog) Append(rec domain.LiquidationRecord) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := uint64(len(m.entries) + 1)
	m.entries = append(m.entries, liquidations.Entry{Index: idx, Record: rec})
	return idx, nil
}

func (m *memoryLog) After(index uint64) ([]liquidations.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index >= uint64(len(m.entries)) {
		return nil, nil
	}
	return append([]liquidations.Entry(nil), m.entries[index:]...), nil
}

// Engine lending engine instance. Instances share nothing.
type Engine struct {
	cfg         Config
	assets      *domain.AssetBook
	oracle      *pricer.Oracle
	credit      *credit.Store
	collateral  *collateral.Ledger
	pools       *pool.Pools
	loans       *loans.Ledger
	liquidation *liquidation.Engine
	locks       *userLocks

	journal     Journal
	log         LiquidationLog
	broadcaster *events.LiquidationBroadcaster
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      *zap.Logger
}

// Option customizes the engine.
type Option func(*Engine)

// WithJournal persists state after every operation.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithLiquidationLog persists liquidation records. Without it records are kept in memory.
func WithLiquidationLog(l LiquidationLog) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithBroadcaster publishes liquidation events.
func WithBroadcaster(b *events.LiquidationBroadcaster) Option {
	return func(e *Engine) { e.broadcaster = b }
}

// WithMetrics counts operations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces the time source of every ledger.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New validates cfg and builds an empty engine.
func New(cfg Config, oracle *pricer.Oracle, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if oracle == nil {
		return nil, errors.New("price oracle is required")
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = domain.DefaultTiers()
	}

	e := &Engine{
		cfg:    cfg,
		assets: domain.NewAssetBook(cfg.Assets),
		oracle: oracle,
		locks:  newUserLocks(),
		log:    &memoryLog{},
		now:    time.Now,
		logger: logger.With(zap.String("component", "engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}

	e.credit = credit.NewStore(credit.Config{
		Tiers:        cfg.Tiers,
		InitialScore: cfg.InitialScore,
		HistoryCap:   cfg.HistoryCap,
	}, logger, credit.WithClock(e.now))
	e.collateral = collateral.NewLedger(e.assets, logger)
	e.pools = pool.New(cfg.Pools, logger)
	e.loans = loans.NewLedger(loans.Config{
		Durations:             cfg.Durations,
		MinCollateralRatio:    cfg.MinCollateralRatio,
		LatePenaltyPerDay:     cfg.LatePenaltyPerDay,
		LargeLoanThresholdUSD: cfg.LargeLoanThresholdUSD,
	}, e.assets, e.collateral, e.credit, e.pools, logger, loans.WithClock(e.now))
	e.liquidation = liquidation.NewEngine(liquidation.Config{
		LiquidationRatio: cfg.LiquidationRatio,
		Fee:              cfg.LiquidationFee,
	}, e.collateral, e.loans, e.pools, e.credit, logger, liquidation.WithClock(e.now))

	return e, nil
}

// Validate reports the first setting the engine cannot run with.
func (cfg Config) Validate() error {
	assets := domain.NewAssetBook(cfg.Assets)
	if len(assets.Symbols()) == 0 {
		return errors.New("no assets configured")
	}
	for _, a := range cfg.Assets {
		if a.CollateralFactor.IsNegative() || a.CollateralFactor.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("asset %s: collateral factor %s outside [0, 1]", a.Symbol, a.CollateralFactor)
		}
		if a.BaseRate.IsNegative() {
			return fmt.Errorf("asset %s: negative base rate", a.Symbol)
		}
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = domain.DefaultTiers()
	}
	if err := tiers.Validate(); err != nil {
		return err
	}
	if cfg.InitialScore < domain.MinScore || cfg.InitialScore > domain.MaxScore {
		return fmt.Errorf("initial score %d outside [%d, %d]", cfg.InitialScore, domain.MinScore, domain.MaxScore)
	}
	if !cfg.MinCollateralRatio.IsPositive() {
		return errors.New("min collateral ratio must be positive")
	}
	if !cfg.LiquidationRatio.IsPositive() || cfg.LiquidationRatio.GreaterThan(cfg.MinCollateralRatio) {
		return errors.New("liquidation ratio must be positive and not above the min collateral ratio")
	}
	if cfg.LiquidationFee.IsNegative() || cfg.LatePenaltyPerDay.IsNegative() {
		return errors.New("liquidation fee and late penalty must not be negative")
	}
	if len(cfg.Durations) == 0 {
		return errors.New("no loan durations configured")
	}
	for _, d := range cfg.Durations {
		if d <= 0 {
			return fmt.Errorf("loan duration %d must be positive", d)
		}
	}
	for asset, amount := range cfg.Pools {
		spec, ok := assets.Get(asset)
		if !ok || !spec.Borrowable() {
			return fmt.Errorf("pool %s: asset is not borrowable", asset)
		}
		if amount.IsNegative() {
			return fmt.Errorf("pool %s: negative liquidity", asset)
		}
	}

	return nil
}

// Assets configured asset symbols in order.
func (e *Engine) Assets() []string {
	return e.assets.Symbols()
}

// Restore rebuilds state from the journal and the liquidation log. It is meant to run
// once at startup. Entries that reference unknown assets fail the restore.
func (e *Engine) Restore() error {
	if e.journal != nil {
		state, err := e.journal.Load()
		if err != nil {
			return errors.Wrap(err, "load journal")
		}
		for id, user := range state.Users {
			if err := e.validateUserState(user); err != nil {
				return errors.Wrapf(err, "journal entry of user %s", id)
			}
		}
		for _, p := range state.Pools {
			if _, ok := e.assets.Get(p.Asset); !ok {
				return fmt.Errorf("journal pool %s: unknown asset", p.Asset)
			}
		}

		for _, user := range state.Users {
			e.collateral.Restore(user.UserID, user.Collateral)
			e.loans.Restore(user.Loans)
			if user.Credit != nil {
				e.credit.Restore(user.Credit)
			}
		}
		if len(state.Pools) > 0 {
			e.pools.Restore(state.Pools)
		}
		e.logger.Info("state restored from journal",
			zap.Int("users", len(state.Users)),
			zap.Int("pools", len(state.Pools)))
	}

	entries, err := e.log.After(0)
	if err != nil {
		return errors.Wrap(err, "load liquidation log")
	}
	records := make([]domain.LiquidationRecord, 0, len(entries))
	for _, en := range entries {
		records = append(records, en.Record)
	}
	e.liquidation.Restore(records)

	return nil
}

func (e *Engine) validateUserState(user journal.UserState) error {
	for asset := range user.Collateral {
		if _, ok := e.assets.Get(asset); !ok {
			return fmt.Errorf("collateral in unknown asset %s", asset)
		}
	}
	for _, loan := range user.Loans {
		if loan == nil {
			continue
		}
		if loan.UserID != user.UserID {
			return fmt.Errorf("loan %s belongs to %s", loan.ID, loan.UserID)
		}
		spec, ok := e.assets.Get(loan.Asset)
		if !ok || !spec.Borrowable() {
			return fmt.Errorf("loan %s in asset %s without a rate", loan.ID, loan.Asset)
		}
	}
	return nil
}

// Checkpoint rewrites the state of every user and the pools to the journal, so old
// segments can be rotated out without losing idle users.
func (e *Engine) Checkpoint() error {
	if e.journal == nil {
		return nil
	}

	for _, userID := range e.Users() {
		unlock := e.locks.lock(userID)
		err := e.journal.SaveUser(e.userState(userID))
		unlock()
		if err != nil {
			return errors.Wrapf(err, "checkpoint user %s", userID)
		}
	}

	return errors.Wrap(e.journal.SavePools(e.pools.Snapshot()), "checkpoint pools")
}

// persist journals the user's state and optionally the pools. Caller holds the user lock.
// The in-memory state is already committed, so failures are logged, not returned.
func (e *Engine) persist(userID string, withPools bool) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveUser(e.userState(userID)); err != nil {
		e.logger.Error("failed to journal user state", zap.String("user", userID), zap.Error(err))
	}
	if !withPools {
		return
	}
	if err := e.journal.SavePools(e.pools.Snapshot()); err != nil {
		e.logger.Error("failed to journal pools", zap.Error(err))
	}
}

func (e *Engine) userState(userID string) journal.UserState {
	return journal.UserState{
		UserID:     userID,
		Collateral: e.collateral.Snapshot(userID),
		Loans:      e.loans.UserLoans(userID),
		Credit:     e.credit.Profile(userID),
		SavedAt:    e.now(),
	}
}

// record persists, publishes and counts a liquidation.
func (e *Engine) record(rec domain.LiquidationRecord) {
	index, err := e.log.Append(rec)
	if err != nil {
		e.logger.Error("failed to append liquidation record", zap.String("liquidation", rec.ID), zap.Error(err))
	}

	e.metrics.ObserveLiquidation(rec)
	if e.broadcaster != nil {
		e.broadcaster.Publish(events.Liquidation{Index: index, Record: rec})
	}
}

func (e *Engine) quotes(ctx context.Context) *pricer.Quotes {
	return e.oracle.Quotes(ctx)
}

func requireUser(userID string) error {
	if userID == "" {
		return &domain.Error{Kind: domain.KindUnauthorized, Message: "user id is required"}
	}
	return nil
}
