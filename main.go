// Command binance-grid-bot runs the single-account short-grid trading
// runtime: one grid trader per symbol, an order execution loop, exchange
// reconciliation, Redis-backed persistence, and a read-only status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/api"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/logging"
	"binance-grid-bot/internal/orchestrator"
	"binance-grid-bot/internal/store"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		Component:  "main",
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logging.SetDefault(logger)

	client := binance.NewFuturesClient(
		cfg.BinanceConfig.APIKey,
		cfg.BinanceConfig.SecretKey,
		cfg.BinanceConfig.TestNet,
	)

	scope := cfg.BinanceConfig.Scope
	if scope == "" {
		scope = orchestrator.DeriveScope(cfg.BinanceConfig.APIKey)
	}

	var st *store.Store
	if cfg.RedisConfig.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
		st = store.New(rdb, scope)
	} else {
		st = store.New(nil, scope)
	}

	orch := orchestrator.New(cfg, client, client, st, logger)
	if err := orch.Start(); err != nil {
		logger.Error("start failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(cfg.ServerConfig, orch, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", "signal", sig.String())

	cancel()
	orch.Stop()
}
