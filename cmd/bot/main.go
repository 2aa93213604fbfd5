// Package main is the entry point for the perpetual-futures trading
// engine: it loads config.yaml, wires the process-wide collaborators
// (account cache, storage) and a per-apiKey resolver for the exchange
// client, protector and orphan reaper, starts every enabled bot under a
// BotSupervisor, and
// serves the dashboard until a shutdown signal arrives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perpfleet/engine/internal/accounts"
	"github.com/perpfleet/engine/internal/cache"
	"github.com/perpfleet/engine/internal/config"
	"github.com/perpfleet/engine/internal/dashboard"
	"github.com/perpfleet/engine/internal/exchange"
	"github.com/perpfleet/engine/internal/models"
	"github.com/perpfleet/engine/internal/protector"
	"github.com/perpfleet/engine/internal/retry"
	"github.com/perpfleet/engine/internal/scheduler"
	"github.com/perpfleet/engine/internal/storage"
	"github.com/perpfleet/engine/internal/strategy"
	"github.com/sirupsen/logrus"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	log := newLogger(cfg.Environment)
	log.WithField("mode", cfg.Environment.Mode).Info("starting trading engine")
	if cfg.IsPaperTrading() {
		log.Warn("PAPER TRADING MODE - no real money at risk")
	} else {
		log.Warn("LIVE TRADING MODE - real money at risk")
	}

	store, err := storage.NewStore(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Error("failed to initialize storage")
		return 1
	}

	retryCfg := retry.Config{
		MaxRetries:     cfg.Exchange.RetryMaxAttempts,
		InitialBackoff: cfg.Exchange.RetryBaseDelay,
	}

	breakerSettings := exchange.DefaultCircuitBreakerSettings
	if cfg.Exchange.CircuitBreakerFailureThreshold > 0 {
		breakerSettings.MinRequests = cfg.Exchange.CircuitBreakerFailureThreshold
	}

	// accountFactory builds a fresh exchange client (wrapped in a circuit
	// breaker), protector, and orphan reaper for one apiKey/apiSecret pair.
	// accounts.NewResolver memoizes the result per apiKey, so every bot
	// configured with the same credentials shares one connection and its
	// protective-order bookkeeping, per spec.md §2's account model.
	accountFactory := func(apiKey, apiSecret string) accounts.Set {
		restClient := exchange.NewRESTClient(apiKey, apiSecret, cfg.Exchange.Sandbox, log)
		exClient := exchange.NewCircuitBreakerClientWithSettings(restClient, breakerSettings)
		return accounts.Set{
			APIKey:    apiKey,
			Client:    exClient,
			Protector: protector.New(exClient, protector.Config{Retry: retryCfg}, log),
			Reaper:    protector.NewOrphanReaper(exClient, protector.Config{Retry: retryCfg}, log),
		}
	}
	accountFor := accounts.NewResolver(cfg.Exchange.APIKey, cfg.Exchange.APISecret, accountFactory)

	accountRefreshInterval := time.Duration(float64(time.Second) / cfg.Exchange.RateLimitPerSecond)
	accountCache := cache.NewAccountCache(accountRefreshInterval, log).WithTTL(cfg.Exchange.AccountCacheTTL)

	for i := range cfg.Bots {
		if err := store.UpsertBotConfig(&cfg.Bots[i]); err != nil {
			log.WithError(err).WithField("bot_id", cfg.Bots[i].BotID).Error("failed to register bot config")
			return 1
		}
	}

	supervisor := scheduler.NewBotSupervisor(scheduler.Deps{
		AccountFor: accountFor,
		AccountGet: accountCache,
		Store:      store,
		Retry:      retryCfg,
		Log:        log,
	})

	strategyFor := func(botCfg models.BotConfig) (strategy.Strategy, error) {
		return strategy.New(botCfg.StrategyName, strategy.Config{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := range cfg.Bots {
		botCfg := cfg.Bots[i]
		if !botCfg.Enabled {
			continue
		}
		strat, err := strategyFor(botCfg)
		if err != nil {
			log.WithError(err).WithField("bot_id", botCfg.BotID).Error("failed to build strategy, skipping bot")
			continue
		}
		if err := supervisor.Start(ctx, botCfg, strat); err != nil {
			log.WithError(err).WithField("bot_id", botCfg.BotID).Error("failed to start bot")
			continue
		}
		log.WithField("bot_id", botCfg.BotID).Info("bot started")
	}

	var dashServer *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashServer = dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, dashboard.Deps{
			Supervisor:  supervisor,
			Store:       store,
			AccountFor:  accountFor,
			StrategyFor: strategyFor,
			Log:         log,
		})
		go func() {
			if err := dashServer.Start(); err != nil {
				log.WithError(err).Error("dashboard server stopped unexpectedly")
			}
		}()
		log.WithField("port", cfg.Dashboard.Port).Info("dashboard listening")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received, stopping all bots")

	supervisor.StopAll()

	if dashServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := dashServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("error shutting down dashboard")
		}
	}

	log.Info("trading engine stopped")
	return 0
}

func newLogger(envCfg config.EnvironmentConfig) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if envCfg.Mode == "live" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if lvl, err := logrus.ParseLevel(envCfg.LogLevel); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(l)
}
