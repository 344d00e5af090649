package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rajchodisetti/polymarket-bot/internal/adapters"
	"github.com/Rajchodisetti/polymarket-bot/internal/config"
	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
	"github.com/Rajchodisetti/polymarket-bot/internal/service"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := adapters.NewPool(ctx, adapters.PoolConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		PoolSize: cfg.Database.PoolSize,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()

	store := adapters.NewPostgresStore(pool)
	chain := adapters.NewRPCClient(cfg.Chain.RPCURL, cfg.Chain.RatePerSecond)
	exchange := adapters.NewCLOBClient(cfg.Exchange.BaseURL)
	notifier := adapters.NewTelegramNotifier(cfg.Telegram.APIURL, cfg.Telegram.BotToken, store)
	keys := adapters.EnvKeySource{}

	svc, err := service.New(cfg, store, exchange, chain, notifier, keys)
	if err != nil {
		log.Fatalf("build service: %v", err)
	}

	observ.Log("startup", map[string]any{
		"market_url":      cfg.Websocket.MarketURL,
		"user_url":        cfg.Websocket.UserURL,
		"chain_ws":        cfg.Chain.WSURL != "",
		"commission":      cfg.Commission.Enabled,
		"refresh_seconds": cfg.RefreshSecs,
	})

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start service: %v", err)
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observ.Handler())
		mux.Handle("/healthz", observ.Health())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				observ.Log("metrics_server_failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	<-ctx.Done()
	observ.Log("shutdown", map[string]any{"reason": "signal"})

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := svc.Stop(); err != nil {
		observ.Log("shutdown_error", map[string]any{"error": err.Error()})
	}
}
