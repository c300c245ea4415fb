// Package sweeper runs the background jobs: periodic liquidation sweeps, daily
// account-age bonuses and journal checkpoints.
package sweeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"go.uber.org/zap"
)

// ErrSweepInProgress is returned when a sweep is requested while one is running.
var ErrSweepInProgress = errors.New("liquidation sweep already in progress")

const (
	defaultSweepSpec      = "@every 30s"
	defaultAgeSpec        = "@daily"
	defaultCheckpointSpec = "@hourly"
	defaultWorkers        = 8
)

// Engine operations the jobs drive.
type Engine interface {
	Assets() []string
	BorrowerUsers() []string
	CheckAndLiquidate(ctx context.Context, userID string) (domain.LiquidationCheck, error)
	AwardAccountAge(ctx context.Context) int
	Checkpoint() error
}

// Refresher refreshes cached prices ahead of a sweep.
type Refresher interface {
	Refresh(ctx context.Context, assets []string) map[string]domain.Price
}

// Observer receives sweep timings.
type Observer interface {
	ObserveSweep(elapsed time.Duration, users int)
}

// Config cron schedules in robfig/cron syntax. An empty spec uses the default, "-" disables the job.
type Config struct {
	SweepSpec      string
	AgeSpec        string
	CheckpointSpec string
	Workers        int
}

// Result outcome of one sweep.
type Result struct {
	Users      int
	Liquidated int
	Failed     int
	Elapsed    time.Duration
}

// Sweeper schedules and runs the background jobs.
type Sweeper struct {
	cfg      Config
	engine   Engine
	prices   Refresher
	observer Observer
	pool     gopool.Pool
	running  atomic.Bool
	logger   *zap.Logger
}

// New creates a sweeper. prices and observer may be nil.
func New(cfg Config, engine Engine, prices Refresher, observer Observer, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = defaultSweepSpec
	}
	if cfg.AgeSpec == "" {
		cfg.AgeSpec = defaultAgeSpec
	}
	if cfg.CheckpointSpec == "" {
		cfg.CheckpointSpec = defaultCheckpointSpec
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}

	return &Sweeper{
		cfg:      cfg,
		engine:   engine,
		prices:   prices,
		observer: observer,
		pool:     gopool.NewPool("liquidation-sweep", int32(cfg.Workers), gopool.NewConfig()),
		logger:   logger.With(zap.String("component", "sweeper")),
	}
}

// Run schedules the jobs and blocks until ctx is done, then waits for running jobs.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithLocation(time.UTC))

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"liquidation sweep", s.cfg.SweepSpec, func() {
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				s.logger.Error("liquidation sweep failed", zap.Error(err))
			}
		}},
		{"account age", s.cfg.AgeSpec, func() {
			if n := s.engine.AwardAccountAge(ctx); n > 0 {
				s.logger.Info("account age bonuses granted", zap.Int("count", n))
			}
		}},
		{"journal checkpoint", s.cfg.CheckpointSpec, func() {
			if err := s.engine.Checkpoint(); err != nil {
				s.logger.Error("journal checkpoint failed", zap.Error(err))
			}
		}},
	}
	for _, job := range jobs {
		if job.spec == "-" {
			continue
		}
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return errors.Wrapf(err, "schedule %s %q", job.name, job.spec)
		}
		s.logger.Info("job scheduled", zap.String("job", job.name), zap.String("spec", job.spec))
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	return nil
}

// Sweep refreshes prices and checks every borrower once. Each user is liquidated
// atomically; cancelling ctx stops scheduling further users.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := time.Now()
	if s.prices != nil {
		s.prices.Refresh(ctx, s.engine.Assets())
	}

	var (
		wg         sync.WaitGroup
		checked    atomic.Int64
		liquidated atomic.Int64
		failed     atomic.Int64
	)
	for _, userID := range s.engine.BorrowerUsers() {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		s.pool.CtxGo(ctx, func() {
			defer wg.Done()

			check, err := s.engine.CheckAndLiquidate(ctx, userID)
			checked.Add(1)
			liquidated.Add(int64(len(check.Liquidations)))
			if err != nil {
				failed.Add(1)
				s.logger.Warn("liquidation check failed", zap.String("user", userID), zap.Error(err))
			}
		})
	}
	wg.Wait()

	res := Result{
		Users:      int(checked.Load()),
		Liquidated: int(liquidated.Load()),
		Failed:     int(failed.Load()),
		Elapsed:    time.Since(start),
	}
	if s.observer != nil {
		s.observer.ObserveSweep(res.Elapsed, res.Users)
	}
	if res.Liquidated > 0 || res.Failed > 0 {
		s.logger.Info("liquidation sweep finished",
			zap.Int("users", res.Users),
			zap.Int("liquidated", res.Liquidated),
			zap.Int("failed", res.Failed),
			zap.Duration("elapsed", res.Elapsed))
	}

	return res, ctx.Err()
}
