package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mrs/src/columnar"
	"mrs/src/config"
	"mrs/src/logging"
	"mrs/src/optimize"
	"mrs/src/server"
	sig "mrs/src/signal"
	"mrs/src/storage"
)

const arrowFile = "final_series.arrow"

// ==================== Runner ====================

type BacktestRunner struct {
	config    *config.Config
	log       *zap.Logger
	optimizer *optimize.Optimizer
	stdout    io.Writer
}

func NewBacktestRunner(cfg *config.Config, logger *zap.Logger) *BacktestRunner {
	opt := optimize.New(cfg.Backtest)
	opt.SetWorkers(cfg.Optimizer.Workers)
	opt.SetLogger(logger)
	opt.SetSignalEngine(sig.NewEngine(cfg.VolatilityGate()))

	logger.Info("config loaded",
		zap.String("source", cfg.Source),
		zap.String("prices", cfg.Data.PricesPath),
		zap.String("vol_mode", cfg.Signal.VolMode),
		zap.Int("grid_size", cfg.Grid.Size()),
		zap.Int("workers", cfg.Optimizer.Workers),
	)
	return &BacktestRunner{config: cfg, log: logger, optimizer: opt, stdout: os.Stdout}
}

// Run loads prices, sweeps the grid, prints the report and writes the exports. When serve is
// set it then blocks serving the results until ctx is cancelled.
func (br *BacktestRunner) Run(ctx context.Context, serve bool) error {
	start := time.Now()
	cfg := br.config

	prices, err := storage.LoadPrices(cfg.Data.PricesPath, storage.LoadOptions{
		DateColumn:  cfg.Data.DateColumn,
		CloseColumn: cfg.Data.CloseColumn,
		DateLayout:  cfg.Data.DateLayout,
	})
	if err != nil {
		return fmt.Errorf("load prices: %w", err)
	}
	minClose, maxClose := prices.MinMax()
	br.log.Info("prices loaded",
		zap.String("ticker", cfg.Data.Ticker),
		zap.Int("days", prices.Len()),
		zap.Time("from", prices.First()),
		zap.Time("to", prices.Last()),
	)
	if prices.ExtremeRange() {
		br.log.Warn("extreme price range, check the input data", zap.Float64("min_close", minClose), zap.Float64("max_close", maxClose))
	}

	out, err := br.optimizer.Optimize(prices, cfg.Grid)
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	printReport(br.stdout, out)

	paths, err := storage.SaveAll(cfg.Output.Dir, out, cfg.Data.Ticker)
	if err != nil {
		return fmt.Errorf("save results: %w", err)
	}
	if cfg.Output.Arrow {
		p := filepath.Join(cfg.Output.Dir, arrowFile)
		if err := columnar.WriteFile(p, out.Final); err != nil {
			return fmt.Errorf("arrow export: %w", err)
		}
		paths = append(paths, p)
	}
	br.log.Info("results saved", zap.Strings("files", paths), zap.Duration("elapsed", time.Since(start)))

	if !serve {
		return nil
	}
	srv := server.New(prices, br.optimizer, br.log)
	srv.SetOutcome(out)
	return srv.Run(ctx, cfg.Server.Addr)
}

// ==================== main ====================

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("mrs: %v", err)
	}
}

// run owns every deferred cleanup, so the logger is flushed before main exits non-zero.
func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("mrs", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML config file (default: ./configs/mrs.yaml, ./mrs.yaml)")
	serve := fs.Bool("serve", false, "serve results over HTTP after the run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := NewBacktestRunner(cfg, logger)
	runner.stdout = stdout
	if err := runner.Run(ctx, *serve || cfg.Server.Enable); err != nil {
		if errors.Is(err, optimize.ErrNoValidConfiguration) {
			logger.Error("no grid point produced a valid configuration", zap.Any("grid", cfg.Grid), zap.Any("backtest", cfg.Backtest))
		}
		logger.Error("backtest failed", zap.Error(err))
		return err
	}
	return nil
}
