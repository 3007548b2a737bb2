package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ganymede/internal/calendar"
	"ganymede/internal/clock"
	"ganymede/internal/config"
	"ganymede/internal/engine"
	"ganymede/internal/feed"
	"ganymede/internal/strategy"
	"ganymede/internal/strategy/builtins"
	"ganymede/internal/util"
)

func main() {
	cfgPath := "config/ganymede.yaml"
	if p := os.Getenv("GANYMEDE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cal, err := calendar.Open(cfg.Calendar.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open calendar: %v", err)
	}
	defer cal.Close()
	if err := cal.SeedUSEquity(ctx); err != nil {
		log.Fatalf("failed to seed calendar: %v", err)
	}

	tm, err := clock.New(ctx, cal, cfg.RunMode(), cfg.ExchangeGroup, cfg.AssetClass, logger)
	if err != nil {
		log.Fatalf("failed to build clock: %v", err)
	}

	var adapter feed.Adapter
	switch cfg.Adapter.Kind {
	case "parquet":
		adapter = feed.NewParquetAdapter(cfg.Adapter.DataDir, tm, tm.Timezone())
	case "alpaca":
		adapter = feed.NewAlpacaAdapter(feed.AlpacaOpts{
			APIKey:    cfg.Adapter.Alpaca.APIKey,
			APISecret: cfg.Adapter.Alpaca.APISecret,
			DataURL:   cfg.Adapter.Alpaca.DataURL,
			Feed:      cfg.Adapter.Alpaca.Feed,
		}, tm, tm.Timezone(), logger)
	default:
		log.Fatalf("unknown adapter kind %q", cfg.Adapter.Kind)
	}

	strategies := strategy.NewRegistry()
	strategies.Register(builtins.NewSMACross(20, 50))

	sys, err := engine.New(cfg, tm, adapter, strategies, nil, logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	logger.Info("session starting",
		"session", cfg.SessionName, "mode", cfg.Mode, "symbols", len(cfg.Data.Symbols))
	if err := sys.Run(ctx); err != nil {
		log.Fatalf("engine error: %v", err)
	}
}
