// Kasan - Visit record billing for home-nursing stations.
// Copyright (c) 2026 opencare
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opencare/kasan/internal/aggregate"
	"github.com/opencare/kasan/internal/api"
	"github.com/opencare/kasan/internal/billing"
	"github.com/opencare/kasan/internal/bus"
	"github.com/opencare/kasan/internal/cache"
	"github.com/opencare/kasan/internal/domain"
	"github.com/opencare/kasan/internal/repository"
	"github.com/opencare/kasan/internal/rules"
	"github.com/opencare/kasan/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KASAN_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kasan",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KASAN_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	if price := os.Getenv("KASAN_CARE_UNIT_PRICE"); price != "" {
		cfg.Billing.CareUnitPrice = price
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"care_unit_price", cfg.Billing.CareUnitPrice,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize billing calculator
	calc, err := billing.NewCalculator(cfg.Billing.CareUnitPrice)
	if err != nil {
		slog.Error("invalid care unit price", "error", err)
		os.Exit(1)
	}

	// Initialize rule catalog and evaluation engine. Bonus masters are
	// tenant-scoped and load lazily on first evaluation; POST
	// /api/bonuses/reload hot-swaps them.
	ruleSet, err := rules.NewRuleSet()
	if err != nil {
		slog.Error("failed to initialize rule catalog", "error", err)
		os.Exit(1)
	}
	defer ruleSet.Close()

	agg := aggregate.New(repo, cacheImpl)
	engine := rules.NewEngine(ruleSet, agg, repo, calc)
	slog.Info("evaluation engine initialized")

	// Initialize async Worker (Pro tier): re-evaluates draft records when
	// a tenant's bonus master is reloaded.
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KASAN_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, engine)

		var tenantIDs []string
		if envTenants := os.Getenv("KASAN_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		workerCfg := worker.Config{
			TenantIDs: tenantIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kasan is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kasan shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ==============================================")
	fmt.Println("                   KASAN")
	fmt.Println("      Home-nursing visit billing engine")
	fmt.Println("  ==============================================")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /api/nursing-records          - Save a visit record (runs billing)")
	fmt.Println("    PUT  /api/nursing-records/{id}     - Update a visit record (re-runs billing)")
	fmt.Println("    GET  /api/nursing-records/{id}     - Get a visit record")
	fmt.Println("    GET  /api/nursing-records          - List records by patient or status")
	fmt.Println("    PUT  /api/patients/{id}            - Upsert a patient")
	fmt.Println("    PUT  /api/service-codes/{id}       - Upsert a service code")
	fmt.Println("    GET  /api/bonuses                  - List loaded bonus definitions")
	fmt.Println("    POST /api/bonuses                  - Create a bonus definition")
	fmt.Println("    POST /api/bonuses/reload           - Hot-reload the bonus master")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
