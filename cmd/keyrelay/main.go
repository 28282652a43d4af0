package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaopang/keyrelay/internal/api"
	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/provider"
	"github.com/xiaopang/keyrelay/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.Infof("Config loaded from %s", *configPath)

	// call logs always live in SQLite
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()
	logger.Infof("Database initialized at %s", cfg.Database.Path)

	var keys core.KeyStore = db
	if cfg.Store.Backend == "redis" {
		rs, err := store.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rs.Close()
		keys = rs
		logger.Infof("Key records stored in redis at %s", cfg.Redis.Addr)
	}

	tracker := core.NewWindowTracker(keys, core.NewLimits(cfg.Limits))
	pool := core.NewPool(keys, tracker)

	if len(cfg.Keys) > 0 {
		result, err := pool.AddKeys(context.Background(), cfg.Keys)
		if err != nil {
			logger.Warnf("Failed to seed keys from config: %v", err)
		} else {
			logger.Infof("Seeded keys: %d added, %d already present", result.AddedCount, result.DuplicateCount)
		}
	}

	maintainer := core.NewMaintainer(pool, db, cfg.Maintenance, cfg.Logging.RetentionDays)
	maintainer.Start()
	defer maintainer.Stop()
	if cfg.Maintenance.IsEnabled() {
		logger.Infof("Pool maintenance started (interval: %ds)", cfg.Maintenance.Interval)
	}

	executor := core.NewExecutor(pool, core.NewRetryPolicy(cfg.Retry))
	gemini := provider.NewGemini(cfg.Provider.BaseURL)
	generator := core.NewGenerator(executor, gemini, cfg.Provider.DefaultModel, cfg.Provider.MaxTokens, db)

	proxyHandler := api.NewProxyHandler(generator)
	adminHandler := api.NewAdminHandler(pool, tracker, db, cfg)
	r := api.SetupRouter(cfg, proxyHandler, adminHandler)

	// net/http reports connection-level errors through a stdlib logger
	httpErrLog := logger.Writer(logger.LevelWarn)
	defer httpErrLog.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:     addr,
		Handler:  r,
		ErrorLog: log.New(httpErrLog, "http: ", 0),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srvErr := make(chan error, 1)
	go func() {
		logger.Infof("keyrelay starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	select {
	case err := <-srvErr:
		if err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining connections...")
	}

	// give in-flight requests 15 seconds to finish
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}
