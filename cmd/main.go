package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"futures-grid-trader/internal/api"
	"futures-grid-trader/internal/engine"
	"futures-grid-trader/internal/exchange"
	"futures-grid-trader/internal/notify"
	"futures-grid-trader/internal/risk"
	"futures-grid-trader/internal/service"
	"futures-grid-trader/internal/store"
	"futures-grid-trader/internal/strategy"
)

func main() {
	cfg, err := service.LoadConfig("config")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	service.InitLogger(cfg.LogFile)
	logger := service.Logger
	defer logger.Sync()

	logger.Info("Starting futures grid trader",
		zap.Strings("symbols", cfg.Symbols()),
		zap.Duration("cycle", cfg.CycleEvery),
		zap.Bool("testnet", cfg.Exchange.Testnet))

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	st, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer st.Close()

	ex := exchange.NewBinanceFutures(&exchange.BinanceConfig{
		APIKey:    cfg.Exchange.APIKey,
		SecretKey: cfg.Exchange.SecretKey,
		RESTURL:   cfg.Exchange.RESTURL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ex.LoadMarkets(ctx); err != nil {
		logger.Fatal("Failed to load exchange markets", zap.Error(err))
	}

	connector := api.NewConnector(cfg.Exchange.WSURL, cfg.Symbols(), logger)
	go connector.Start(ctx)

	notifier := notify.NewTelegram(cfg.Telegram, logger)

	classifier := strategy.NewClassifier(cfg.Analysis, logger)
	grid := strategy.NewGridGenerator(cfg, ex, logger)
	dca := strategy.NewDCAEngine(cfg.DCA, cfg.Capital.DCAReserve, cfg.Risk.Leverage, st, ex, logger)
	gate := risk.NewGate(cfg.Capital, cfg.Risk, st, ex, logger)
	rec := engine.NewReconciler(ex, cfg.Grid.MinNotional, logger)

	eng := engine.NewEngine(cfg, ex, st, classifier, grid, dca, gate, rec, notifier, connector.Cache(), logger)

	notifier.Send("🤖 Trader started: " + time.Now().UTC().Format(time.RFC3339))

	// 启动先跑一轮，之后按固定间隔调度
	eng.RunCycle(ctx)

	ticker := time.NewTicker(cfg.CycleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received, stopping")
			notifier.Send("🛑 Trader stopped")
			return
		case <-ticker.C:
			eng.RunCycle(ctx)
		}
	}
}
