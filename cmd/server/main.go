package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stock-sync-service/internal/api"
	"stock-sync-service/internal/config"
	"stock-sync-service/internal/database"
	"stock-sync-service/internal/exchange"
	"stock-sync-service/internal/lock"
	"stock-sync-service/internal/logger"
	"stock-sync-service/internal/marketplace"
	"stock-sync-service/internal/metrics"
	"stock-sync-service/internal/settings"
	"stock-sync-service/internal/store"
	"stock-sync-service/internal/storefront"
	"stock-sync-service/internal/sync"
)

const shutdownTimeout = 30 * time.Second

type migrator interface {
	Migrate(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting stock sync service", zap.String("storage", cfg.StateStorage.Type))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init catalog store
	catalog, err := openStore(ctx, cfg.StateStorage)
	if err != nil {
		logger.Log.Fatal("Failed to init catalog store", zap.Error(err))
	}
	defer catalog.Close()

	// Marketplace probe
	transport, err := marketplace.NewHTTPTransport(marketplace.HTTPTransportOptions{
		BaseURL:    cfg.Marketplace.BaseURL,
		DetailPath: cfg.Marketplace.DetailPath,
		UserAgent:  cfg.Marketplace.UserAgent,
		Timeout:    cfg.Marketplace.ProbeTimeout,
		RetryCount: cfg.Marketplace.RetryCount,
	})
	if err != nil {
		logger.Log.Fatal("Failed to init marketplace transport", zap.Error(err))
	}
	prober := marketplace.NewProber(transport, marketplace.ProberOptions{
		MaxConcurrency: cfg.Marketplace.MaxConcurrency,
		RequestsPerSec: cfg.Marketplace.RequestsPerSec,
		Jitter:         cfg.Marketplace.Jitter,
		Timeout:        cfg.Marketplace.ProbeTimeout,
	})

	// Storefront
	var gateway storefront.Gateway = storefront.NopGateway{}
	shop, err := storefront.NewShopifyGateway(storefront.ShopifyOptions{
		ShopName:    cfg.Storefront.ShopName,
		AccessToken: cfg.Storefront.AccessToken,
		APIVersion:  cfg.Storefront.APIVersion,
		Timeout:     cfg.Storefront.Timeout,
	})
	switch {
	case errors.Is(err, storefront.ErrNotConfigured):
		logger.Log.Warn("Storefront not configured; hide and price updates will be counted as errors")
	case err != nil:
		logger.Log.Fatal("Failed to init storefront gateway", zap.Error(err))
	default:
		gateway = shop
	}

	rates, err := exchange.NewProvider(exchange.Options{
		URL:      cfg.Pricing.ExchangeRateURL,
		Symbol:   cfg.Pricing.RateSymbol,
		TTL:      cfg.Pricing.RateTTL,
		Fallback: decimal.NewFromFloat(cfg.Pricing.DefaultExchangeRate),
	})
	if err != nil {
		logger.Log.Fatal("Failed to init exchange rate provider", zap.Error(err))
	}

	policy := settings.NewReader(catalog, settings.DefaultsFromConfig(cfg))

	var locker lock.Locker = lock.Noop{}
	if cfg.Lock.RedisAddress != "" {
		rl, err := lock.NewRedisLocker(ctx, cfg.Lock)
		if err != nil {
			logger.Log.Fatal("Failed to init run lock", zap.Error(err))
		}
		defer rl.Close()
		locker = rl
	}

	hub := api.NewHub()
	m := metrics.New()

	// Init reconciliation engine and scheduler
	manager := sync.NewManager(sync.Deps{
		Catalog:  catalog,
		Activity: catalog,
		Prober:   prober,
		Gateway:  gateway,
		Policy:   policy,
		Rates:    rates,
		Locker:   locker,
		Notifier: hub,
		Metrics:  m,
	}, sync.Options{
		Workers:        cfg.Marketplace.MaxConcurrency,
		PriceTolerance: decimal.NewFromFloat(cfg.Sync.PriceTolerance),
		MaxDetails:     cfg.Sync.MaxDetails,
	})
	scheduler := sync.NewScheduler(ctx, manager, policy, cfg.Scheduler.RunOnStart)

	autoSync, persisted := policy.AutoSync(ctx)
	if (persisted && autoSync) || (!persisted && cfg.Scheduler.Enabled) {
		scheduler.Start()
	} else {
		logger.Log.Info("Scheduler is disabled")
	}

	// Init API
	handler := api.NewHandler(api.Deps{
		Engine:    manager,
		Scheduler: scheduler,
		Stock:     prober,
		Activity:  catalog,
		AutoSync:  policy,
		Hub:       hub,
		Metrics:   m.Handler(),
	}, cfg.Server.AuthToken)
	router := handler.Routes()

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	<-ctx.Done()
	logger.Log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	select {
	case <-scheduler.Stop().Done():
	case <-shutdownCtx.Done():
		logger.Log.Warn("Timed out waiting for the running reconciliation to finish")
	}
	hub.Close(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.StateStorage) (store.Store, error) {
	var s store.Store
	switch cfg.Type {
	case "mysql":
		db, err := database.NewDatabase(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s = store.NewMySQLStore(db)
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		s = pg
	default:
		logger.Log.Warn("Using in-memory catalog; listings are lost on restart")
		return store.NewMemoryStore(), nil
	}

	if m, ok := s.(migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}
