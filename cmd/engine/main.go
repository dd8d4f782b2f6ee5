package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/api"
	"github.com/gaiadex/engine/internal/config"
	"github.com/gaiadex/engine/internal/custody"
	"github.com/gaiadex/engine/internal/engine"
	"github.com/gaiadex/engine/internal/journal"
	"github.com/gaiadex/engine/internal/router"
	"github.com/gaiadex/engine/pkg/logger"
	"github.com/gaiadex/engine/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engine: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	metrics.Register(prometheus.DefaultRegisterer)

	var jnl journal.Journal
	switch cfg.Journal.Backend {
	case "badger":
		jnl, err = journal.OpenBadger(cfg.Journal.Path, log)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
	default:
		jnl = journal.NewMemory()
	}
	defer jnl.Close()

	makerFee, err := decimal.NewFromString(cfg.Engine.DefaultMakerFee)
	if err != nil {
		return fmt.Errorf("default maker fee: %w", err)
	}
	takerFee, err := decimal.NewFromString(cfg.Engine.DefaultTakerFee)
	if err != nil {
		return fmt.Errorf("default taker fee: %w", err)
	}
	fees, err := engine.NewFeeSchedule(makerFee, takerFee)
	if err != nil {
		return err
	}
	slippage, err := decimal.NewFromString(cfg.Router.DefaultSlippage)
	if err != nil {
		return fmt.Errorf("default slippage: %w", err)
	}

	svc := engine.New(engine.Options{
		Journal: jnl,
		Custody: custody.NewMemory(),
		Fees:    fees,
		Router: router.Config{
			MaxHops:         cfg.Router.MaxHops,
			QuoteTTL:        cfg.Router.QuoteTTL,
			DefaultSlippage: slippage,
			GasBaseCost:     cfg.Router.GasBaseCost,
			GasCostPerHop:   cfg.Router.GasCostPerHop,
		},
		TradeBuffer: cfg.Engine.MarketDataTradeBuffer,
	}, log)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(svc, log)
	if err := server.Start(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	log.Info("engine shut down cleanly", zap.String("addr", cfg.Server.Addr))
	return nil
}
