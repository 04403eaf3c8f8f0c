package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/merkle-trade/perp-engine/api"
	"github.com/merkle-trade/perp-engine/internal/config"
	"github.com/merkle-trade/perp-engine/internal/perp/admin"
	"github.com/merkle-trade/perp-engine/internal/perp/engine"
	"github.com/merkle-trade/perp-engine/internal/perp/model"
	"github.com/merkle-trade/perp-engine/internal/perp/oracle"
	"github.com/merkle-trade/perp-engine/internal/perp/rewards"
	"github.com/merkle-trade/perp-engine/internal/perp/store"
	"github.com/merkle-trade/perp-engine/internal/perp/vault"
	"github.com/merkle-trade/perp-engine/pkg/logger"
	"github.com/merkle-trade/perp-engine/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	var repo model.Repository
	switch cfg.Storage.Driver {
	case "sqlite":
		repo, err = store.Open(cfg.Storage.DSN)
		if err != nil {
			zapLogger.Fatal("open storage", zap.Error(err))
		}
	default:
		repo = model.NewMemoryRepository()
	}

	clock := model.RealClock{}
	registry, root := admin.Bootstrap()
	promRegistry := prometheus.NewRegistry()
	feed := oracle.NewMemoryFeed(clock, cfg.Oracle.MaxPriceAge)

	eng, err := engine.New(engine.Deps{
		Logger:    zapLogger,
		Clock:     clock,
		Repo:      repo,
		Feed:      feed,
		Fees:      rewards.NewNopFeeDistributor(),
		Hooks:     rewards.NopHooks{},
		Delegates: rewards.OpenDelegateRegistry{},
		Registry:  registry,
		Metrics:   metrics.NewEngineMetrics(promRegistry),
	}, root)
	if err != nil {
		zapLogger.Fatal("build engine", zap.Error(err))
	}

	for _, vc := range cfg.Vaults {
		vcfg := vault.DefaultConfig(vc.Collateral)
		if vc.LPTokenSymbol != "" {
			vcfg.LPTokenSymbol = vc.LPTokenSymbol
		}
		if vc.WithdrawDivision > 0 {
			vcfg.WithdrawDivision = vc.WithdrawDivision
		}
		if vc.MinDeposit != "" {
			min, err := decimal.NewFromString(vc.MinDeposit)
			if err != nil {
				zapLogger.Fatal("parse vault min deposit",
					zap.String("collateral", vc.Collateral), zap.Error(err))
			}
			vcfg.MinDeposit = min
		}
		if vc.SoftMDDThreshold > 0 {
			vcfg.SoftMDDThreshold = decimal.NewFromFloat(vc.SoftMDDThreshold)
		}
		if vc.HardMDDThreshold > 0 {
			vcfg.HardMDDThreshold = decimal.NewFromFloat(vc.HardMDDThreshold)
		}
		vcfg.DepositFeeRate = decimal.NewFromFloat(vc.DepositFeeRate)
		vcfg.WithdrawFeeRate = decimal.NewFromFloat(vc.WithdrawFeeRate)
		if _, err := eng.CreateVault(root, vcfg); err != nil {
			zapLogger.Fatal("create vault",
				zap.String("collateral", vc.Collateral), zap.Error(err))
		}
	}

	server := api.NewServer(zapLogger, eng, feed, promRegistry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.ListenAddr, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zapLogger.Error("shutdown", zap.Error(err))
	}
}
