package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httphandlers "aegislink/internal/handlers/http"

	"aegislink/internal/core/ports"
	"aegislink/internal/core/services"
	"aegislink/internal/infrastructure/bus"
	"aegislink/internal/infrastructure/feed"
	"aegislink/internal/infrastructure/middleware"
	"aegislink/internal/infrastructure/monitoring"
	"aegislink/internal/infrastructure/reliability"
	"aegislink/pkg/circuitbreaker"
	"aegislink/pkg/config"
	"aegislink/pkg/logger"
	"aegislink/pkg/retry"
	"aegislink/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/aegislink/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			log.Printf("Loaded config from: %s", path)
			break
		}
	}
	if err != nil {
		log.Printf("Could not load config from any path, using defaults")
		cfg = config.Default()
	}

	zl, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer zl.Sync()
	lg := zl.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "aegislink-coordinator",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		lg.Fatalw("failed to initialize tracing", "error", err)
	}

	var metrics ports.Metrics = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector()
	}

	// Transport fabric: Redis when configured, in-process otherwise.
	var eventBus ports.Bus
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			lg.Fatalw("failed to connect to redis", "address", cfg.Redis.Address, "error", err)
		}
		redisBus := bus.NewRedisBus(redisClient, uuid.NewString(), lg, metrics)
		eventBus = reliability.NewBusWrapper(redisBus, retry.DefaultConfig(), circuitbreaker.DefaultConfig(), lg)
		lg.Infow("using redis event bus", "address", cfg.Redis.Address)
	} else {
		eventBus = bus.NewMemoryBus(lg, metrics)
		lg.Infow("using in-memory event bus")
	}

	detector := services.NewDetectionService(services.DetectionConfig{
		HistorySize:        cfg.Detection.HistorySize,
		DetectionThreshold: cfg.Detection.DetectionThreshold,
		BaselineMinQuality: cfg.Detection.BaselineMinQuality,
	}, eventBus, metrics, lg)

	agility := services.NewAgilityService(services.AgilityConfig{
		DefaultBand:     cfg.Agility.DefaultBand,
		SequenceLength:  cfg.Agility.SequenceLength,
		DefaultDwell:    cfg.Agility.DefaultDwell,
		SwitchDelay:     cfg.Agility.SwitchDelay,
		ResyncPerMinute: cfg.Agility.ResyncPerMinute,
	}, eventBus, metrics, lg)

	fallback := services.NewFallbackService(services.FallbackConfig{
		EvaluationInterval: cfg.Fallback.EvaluationInterval,
		TestTimeout:        cfg.Fallback.TestTimeout,
	}, eventBus, metrics, lg)

	orchestrator := services.NewOrchestratorService(services.OrchestratorConfig{
		StartupDelay:      cfg.Coordinator.StartupDelay,
		SettleDelay:       cfg.Coordinator.SettleDelay,
		ShutdownDelay:     cfg.Coordinator.ShutdownDelay,
		HealthInterval:    cfg.Coordinator.HealthInterval,
		BroadcastInterval: cfg.Coordinator.BroadcastInterval,
		RecoveryCooldown:  cfg.Coordinator.RecoveryCooldown,
		AutoRecovery:      cfg.Coordinator.AutoRecovery,
		ThreatRetention:   cfg.Coordinator.ThreatRetention,
		CleanupInterval:   cfg.Coordinator.CleanupInterval,
	}, eventBus, metrics, lg, detector, agility, fallback)

	ctx := context.Background()
	if err := orchestrator.StartAll(ctx); err != nil {
		lg.Fatalw("failed to start engines", "error", err)
	}

	statusFeed := feed.NewStatusFeed(eventBus, lg)
	if err := statusFeed.Start(); err != nil {
		lg.Fatalw("failed to start status feed", "error", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(lg))
	router.Use(middleware.ErrorHandlerMiddleware(lg))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}

	httphandlers.NewStatusHandler(orchestrator, detector, agility, fallback).SetupRoutes(router)
	router.GET("/ws", gin.WrapF(statusFeed.HandleWebSocket))
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		lg.Infow("http server listening", "address", cfg.HTTP.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatalw("http server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Infow("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		lg.Errorw("http server shutdown failed", "error", err)
	}

	statusFeed.Stop()
	if err := orchestrator.StopAll(ctx); err != nil {
		lg.Errorw("engine shutdown failed", "error", err)
	}
	if err := eventBus.Close(); err != nil {
		lg.Errorw("event bus close failed", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		lg.Errorw("tracing shutdown failed", "error", err)
	}

	// Give in-flight log writes a moment before process exit.
	time.Sleep(100 * time.Millisecond)
	lg.Infow("coordinator stopped")
}
