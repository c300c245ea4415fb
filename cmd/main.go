// Command lendingd runs the collateralized lending and liquidation engine.
// It values collateral with exchange prices (Binance, Bybit, Hyperliquid or a
// static table), serves the JSON API and sweeps borrowers for liquidation.
//
// Usage:
//
//	lendingd --config lendingd.yaml
//	lendingd setup [--out lendingd.yaml]
//	lendingd token --user alice [--role admin] [--ttl 24h] [--config lendingd.yaml]
//
// Environment variables:
//
//	LENDINGD_JWT_SECRET (required) HS256 secret for API tokens
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET (optional, prices are public)
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET (optional)
//	For Hyperliquid: HYPERLIQUID_PRIVATE_KEY (optional)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/lendingd/config"
	"github.com/vadiminshakov/lendingd/internal/clients"
	"github.com/vadiminshakov/lendingd/internal/engine"
	"github.com/vadiminshakov/lendingd/internal/events"
	"github.com/vadiminshakov/lendingd/internal/metrics"
	"github.com/vadiminshakov/lendingd/internal/publisher"
	"github.com/vadiminshakov/lendingd/internal/services/market/collector"
	"github.com/vadiminshakov/lendingd/internal/services/pricer"
	"github.com/vadiminshakov/lendingd/internal/setup"
	"github.com/vadiminshakov/lendingd/internal/storage/journal"
	"github.com/vadiminshakov/lendingd/internal/storage/liquidations"
	"github.com/vadiminshakov/lendingd/internal/sweeper"
	"github.com/vadiminshakov/lendingd/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const jwtSecretEnv = "LENDINGD_JWT_SECRET"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "setup":
			if err := runSetup(os.Args[2:]); err != nil {
				log.Fatal(err)
			}
			return
		case "token":
			if err := runToken(os.Args[2:]); err != nil {
				log.Fatal(err)
			}
			return
		}
	}

	flags, err := config.ParseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Get(flags)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := newLogger(flags.Debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("lendingd stopped", zap.Error(err))
	}
	logger.Info("lendingd stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	auth, err := web.NewAuthenticator(os.Getenv(jwtSecretEnv), cfg.Web.JWTIssuer)
	if err != nil {
		return errors.Wrapf(err, "%s must be set", jwtSecretEnv)
	}

	m := metrics.New("lendingd")

	source, history, err := newPriceSource(cfg, logger)
	if err != nil {
		return err
	}
	oracle := pricer.NewOracle(source, cfg.Oracle.Config, logger, pricer.WithObserver(m))
	if history != nil && cfg.Oracle.WarmupInterval != "" && cfg.Oracle.MaxDeviationPercent.IsPositive() {
		warmed := collector.WarmUp(ctx, history, oracle.Warm, volatileAssets(cfg),
			cfg.Oracle.QuoteAsset, cfg.Oracle.WarmupInterval, cfg.Oracle.WarmupLimit, logger)
		logger.Info("deviation guard warmed", zap.Int("assets", warmed))
	}

	stateJournal, err := journal.NewWALStore(cfg.Journal.Config)
	if err != nil {
		return errors.Wrap(err, "open journal")
	}
	defer stateJournal.Close()

	liquidationLog, err := liquidations.NewWALStore(cfg.Journal.LiquidationsDir)
	if err != nil {
		return errors.Wrap(err, "open liquidation log")
	}
	defer liquidationLog.Close()

	broadcaster := events.NewLiquidationBroadcaster(256)

	eng, err := engine.New(cfg.Engine, oracle, logger,
		engine.WithJournal(stateJournal),
		engine.WithLiquidationLog(liquidationLog),
		engine.WithBroadcaster(broadcaster),
		engine.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if err := eng.Restore(); err != nil {
		return errors.Wrap(err, "restore engine state")
	}
	if err := eng.Checkpoint(); err != nil {
		return errors.Wrap(err, "initial checkpoint")
	}
	logger.Info("engine state restored",
		zap.Int("users", len(eng.Users())),
		zap.Uint64("journal_index", stateJournal.CurrentIndex()),
		zap.Uint64("liquidation_index", liquidationLog.CurrentIndex()),
	)

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := publisher.NewKafkaPublisher(cfg.Kafka, logger)
		if err != nil {
			return err
		}
		sub := broadcaster.Subscribe()
		g.Go(func() error {
			defer broadcaster.Unsubscribe(sub)
			defer pub.Close()
			return pub.Run(gctx, sub)
		})
	}

	sw := sweeper.New(cfg.Sweep, eng, oracle, m, logger)
	g.Go(func() error {
		return sw.Run(gctx)
	})

	srv := web.NewServer(cfg.Web.Addr, eng, auth, logger, web.WithMetrics(m), web.WithBroadcaster(broadcaster))
	g.Go(func() error {
		if len(cfg.Web.TLSDomains) > 0 {
			return srv.StartWithAutoTLS(gctx, cfg.Web.TLSDomains, cfg.Web.CertCacheDir)
		}
		return srv.Start(gctx)
	})

	return g.Wait()
}

// newPriceSource returns the live price source of the platform and, where the
// exchange serves klines, a provider for deviation guard warm-up.
func newPriceSource(cfg config.Config, logger *zap.Logger) (pricer.Source, collector.CloseProvider, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		client := clients.NewBinanceClient(os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET"), cfg.Oracle.RequestTimeout)
		return pricer.NewBinancePricer(client), collector.NewBinanceCloseProvider(client), nil
	case config.PlatformBybit:
		client := clients.NewBybitClient(os.Getenv("BYBIT_API_KEY"), os.Getenv("BYBIT_API_SECRET"), cfg.Oracle.RequestTimeout)
		return pricer.NewBybitPricer(client), collector.NewBybitCloseProvider(client), nil
	case config.PlatformHyperliquid:
		client, err := clients.NewHyperliquidClient(os.Getenv("HYPERLIQUID_PRIVATE_KEY"), cfg.Oracle.HyperliquidURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "hyperliquid client")
		}
		logger.Debug("hyperliquid client ready", zap.String("account", client.AccountAddress()))
		return pricer.NewHyperliquidPricer(client.Info()), collector.NewHyperliquidCloseProvider(client.Info()), nil
	case config.PlatformStatic:
		return pricer.NewStaticPricer(cfg.Oracle.StaticPrices), nil, nil
	default:
		return nil, nil, errors.Errorf("unsupported platform %q", cfg.Platform)
	}
}

// volatileAssets assets priced from the exchange, i.e. not pegged.
func volatileAssets(cfg config.Config) []string {
	pegged := make(map[string]bool, len(cfg.Oracle.Pegged))
	for _, p := range cfg.Oracle.Pegged {
		pegged[p] = true
	}
	var out []string
	for _, a := range cfg.Engine.Assets {
		if a.Stable || pegged[a.Symbol] {
			continue
		}
		out = append(out, a.Symbol)
	}
	return out
}

func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	out := fs.String("out", "lendingd.gen.yaml", "path of the generated config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return setup.RunTUI(*out)
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to yaml config")
	user := fs.String("user", "", "user id (token subject)")
	role := fs.String("role", "", "optional role, e.g. admin")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	auth, err := web.NewAuthenticator(os.Getenv(jwtSecretEnv), cfg.Web.JWTIssuer)
	if err != nil {
		return errors.Wrapf(err, "%s must be set", jwtSecretEnv)
	}
	token, err := auth.Issue(*user, *role, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
