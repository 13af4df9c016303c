package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/cache"
	"github.com/mozilla/addons-server-sub004/internal/config"
	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/repository"
	"github.com/mozilla/addons-server-sub004/internal/events"
	"github.com/mozilla/addons-server-sub004/internal/handler"
	"github.com/mozilla/addons-server-sub004/internal/lifecycle"
	"github.com/mozilla/addons-server-sub004/internal/metrics"
	"github.com/mozilla/addons-server-sub004/internal/middleware"
	"github.com/mozilla/addons-server-sub004/internal/queue"
	"github.com/mozilla/addons-server-sub004/internal/remotesettings"
	"github.com/mozilla/addons-server-sub004/internal/risk"
	"github.com/mozilla/addons-server-sub004/internal/service"
	"github.com/mozilla/addons-server-sub004/internal/validation"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg); err != nil {
		logger.L().Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer pool.Close()
	logger.L().Info("database connection established", zap.Int32("max_conns", pool.Config().MaxConns))

	redisClient, err := queue.NewRedisClient(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("initialize redis client: %w", err)
	}
	defer func() { _ = redisClient.Close() }()

	queueClient, err := queue.NewClient(cfg.Redis.URL, cfg.Queue)
	if err != nil {
		return fmt.Errorf("initialize queue client: %w", err)
	}
	defer func() { _ = queueClient.Close() }()

	var (
		publisher events.Publisher = events.Nop{}
		amqpConn  handler.ConnectionChecker
	)
	if cfg.RabbitMQ.Host != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.RabbitMQ)
		if err != nil {
			return fmt.Errorf("initialize event publisher: %w", err)
		}
		defer func() { _ = amqpPublisher.Close() }()
		publisher = events.Logging{Next: amqpPublisher}
		amqpConn = amqpPublisher
	} else {
		logger.L().Warn("rabbitmq not configured, events will not be published")
	}

	var heartbeat handler.HeartbeatChecker
	if cfg.RemoteSettings.URL != "" {
		heartbeat = remotesettings.NewClient(cfg.RemoteSettings, queue.RetryPolicy(cfg.Queue))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	blocks := repository.NewBlockRepository(pool)
	statusCache := cache.NewBlockStatusCache(redisClient, blocks)
	if err := statusCache.Rebuild(ctx); err != nil {
		logger.L().Warn("initial block status cache build failed, lookups fall back to database", zap.Error(err))
	}

	submissions := service.NewSubmissionService(service.SubmissionDeps{
		Tx:          db.NewTransactor(pool),
		Submissions: repository.NewSubmissionRepository(pool),
		Blocks:      blocks,
		Catalog:     repository.NewCatalogRepository(pool),
		Users:       repository.NewUserRepository(pool),
		Audit:       repository.NewAuditRepository(pool),
		Lifecycle:   lifecycle.NewPostgresLifecycle(pool),
		Assessor:    risk.NewAssessor(cfg.Blocklist.SignoffThreshold, cfg.Blocklist.AllowSelfSignoff),
		Validator:   validation.New(0),
		Tasks:       queueClient,
		Cache:       statusCache,
		Events:      publisher,
		Metrics:     m,
		Concurrency: cfg.Blocklist.PublishConcurrency,
		TaskUserID:  cfg.Blocklist.TaskUserID,
		Retry:       queue.RetryPolicy(cfg.Queue),
	})

	if len(cfg.Server.APIKeys) == 0 {
		logger.L().Warn("no API keys configured, API endpoints will reject all requests")
	}

	gin.SetMode(gin.ReleaseMode)
	router := handler.NewRouter(handler.RouterDeps{
		Submissions: handler.NewSubmissionHandler(submissions),
		Blocks:      handler.NewBlockHandler(blocks, statusCache),
		MLBF:        handler.NewMLBFHandler(queueClient),
		Health:      handler.NewHealthHandler(pool, amqpConn, heartbeat),
		Auth:        middleware.NewAPIKeyAuth(cfg.Server.APIKeys),
		Metrics:     m,
		Gatherer:    reg,
	})

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.L().Info("server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		_ = server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.L().Info("server stopped gracefully")
	return nil
}
