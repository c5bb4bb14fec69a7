// Package main is the entry point for the modelserve HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/popeskul/modelserve/internal/breaker"
	"github.com/popeskul/modelserve/internal/client"
	"github.com/popeskul/modelserve/internal/config"
	"github.com/popeskul/modelserve/internal/handler"
	"github.com/popeskul/modelserve/internal/health"
	"github.com/popeskul/modelserve/internal/loader"
	"github.com/popeskul/modelserve/internal/middleware"
	"github.com/popeskul/modelserve/internal/prober"
	"github.com/popeskul/modelserve/internal/service"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	configPath := os.Getenv("MODELSERVE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	healthMgr := health.NewManager(health.Config{
		CacheTTL:     config.Seconds(cfg.Health.CacheTTLSeconds, 10*time.Second),
		CheckTimeout: config.Seconds(cfg.Health.CheckTimeoutSeconds, 2*time.Second),
	}, logger)

	// Optional metadata store. Unreachable at boot is a non-critical
	// startup failure: the dependency check keeps watching it.
	if cfg.Database.Enabled {
		db, dbErr := sqlx.Connect("postgres", cfg.Database.GetDSN())
		if dbErr != nil {
			healthMgr.RecordStartupFailure("database", dbErr, false)
			logger.Warn("Failed to connect to database", zap.Error(dbErr))
		} else {
			defer func() {
				_ = db.Close()
			}()
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
			healthMgr.RegisterDependency("database", health.PostgresChecker(db))
		}
	}

	// Optional feature cache.
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			_ = redisClient.Close()
		}()
		healthMgr.RegisterDependency("redis", health.RedisChecker(redisClient))
	}

	// Peer services, each behind its own circuit breaker.
	for _, peerCfg := range cfg.Peers {
		peer := client.New(peerCfg.Name, client.Config{
			BaseURL:             peerCfg.BaseURL,
			RequestTimeout:      config.Seconds(peerCfg.TimeoutSeconds, 30*time.Second),
			HealthCheckInterval: config.Seconds(peerCfg.HealthCheckIntervalSeconds, 10*time.Second),
			StartupGrace:        config.Seconds(peerCfg.StartupGraceSeconds, 30*time.Second),
			MaxRetries:          peerCfg.MaxRetries,
			RetryBaseDelay:      time.Duration(peerCfg.RetryBaseDelayMs) * time.Millisecond,
			Breaker: breaker.Config{
				FailureThreshold: peerCfg.CircuitBreaker.FailureThreshold,
				SuccessThreshold: peerCfg.CircuitBreaker.SuccessThreshold,
				BaseTimeout:      config.Seconds(peerCfg.CircuitBreaker.BaseTimeoutSeconds, 10*time.Second),
				MaxTimeout:       config.Seconds(peerCfg.CircuitBreaker.MaxTimeoutSeconds, 5*time.Minute),
			},
		}, logger)
		healthMgr.RegisterDependency("peer:"+peerCfg.Name, health.PeerChecker(peer))
	}

	// The model loads in the background so the server can bind and answer
	// liveness immediately.
	modelLoader := loader.New(
		cfg.Model.Name,
		service.FileCacheLoader(cfg.Model.CachePath),
		service.RegistryDownloadLoader(cfg.Model.RegistryURL, cfg.Model.CachePath, nil),
		loader.Config{
			ForceDownload:     cfg.Model.ForceDownload,
			HeartbeatInterval: config.Seconds(cfg.Model.HeartbeatSeconds, 15*time.Second),
		},
		logger,
	)
	modelLoader.Initialize(context.Background())
	defer modelLoader.Cleanup()

	healthMgr.RegisterDependency("model", health.LoaderChecker(cfg.Model.Name, modelLoader))

	modelService := service.NewModelService(modelLoader, logger)

	// Background refresh keeps dependency caches warm so readiness
	// answers cheaply.
	healthProber := prober.New(logger, config.Seconds(cfg.Health.ProbeIntervalSeconds, 15*time.Second),
		func(ctx context.Context) error {
			healthMgr.HealthStatus(ctx)
			return nil
		})

	h := handler.NewHandler(cfg.Server.Name, modelService, healthMgr, healthProber, logger)
	router := setupRouter(h)

	middlewareConfig := &middleware.Config{
		Logger: logger,
		CORS: &middleware.CORSConfig{
			AllowedOrigins:   cfg.Middleware.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           86400,
		},
		RateLimit:      rate.Limit(cfg.Middleware.RateLimit),
		RateLimitBurst: cfg.Middleware.RateLimitBurst,
		RequestTimeout: 30 * time.Second,
	}

	finalHandler := middleware.Chain(middlewareConfig)(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      finalHandler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := healthProber.Start(context.Background()); err != nil {
		logger.Error("Failed to start health prober", zap.Error(err))
	}

	// Registrations are done; open the readiness gate. Readiness still
	// depends on every registered check reporting available.
	healthMgr.MarkStartupComplete()

	go func() {
		logger.Info("Starting server",
			zap.String("service", cfg.Server.Name),
			zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	if healthProber.IsRunning() {
		if err := healthProber.Stop(); err != nil {
			logger.Error("Failed to stop health prober", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
