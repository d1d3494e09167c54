package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/logprocessor/internal/app/migrate"
	"github.com/splax/logprocessor/internal/app/scheduler"
	"github.com/splax/logprocessor/internal/cache"
	rediscache "github.com/splax/logprocessor/internal/cache/redis"
	httpx "github.com/splax/logprocessor/internal/http"
	"github.com/splax/logprocessor/internal/repository"
	"github.com/splax/logprocessor/internal/repository/clickhouse"
	"github.com/splax/logprocessor/internal/repository/postgres"
	"github.com/splax/logprocessor/internal/service/logs"
	"github.com/splax/logprocessor/internal/ws"
	"github.com/splax/logprocessor/pkg/config"
	"github.com/splax/logprocessor/pkg/logger"
)

func main() {
	cfg := config.LoadProcessorConfig()
	log := logger.New("log-processor", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open log store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var logCache cache.Cache
	if url := strings.TrimSpace(cfg.RedisURL); url != "" {
		redisCache, err := rediscache.New(url, cfg.CacheTimeout)
		if err != nil {
			log.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis cache unreachable, queries go to the store until it answers", "error", err)
		}
		logCache = redisCache
	}

	hub := ws.NewHub(0)
	svc := logs.New(repo, logCache, hub, log, logs.Options{
		BatchSize:      cfg.BatchSize,
		FlushInterval:  cfg.FlushInterval,
		FlushTimeout:   cfg.FlushTimeout,
		FlushRetries:   cfg.FlushRetries,
		SearchCacheTTL: cfg.SearchCacheTTL,
		TraceCacheTTL:  cfg.TraceCacheTTL,
		QueryTimeout:   cfg.QueryTimeout,
		MaxLimit:       cfg.QueryMaxLimit,
		Registerer:     prometheus.DefaultRegisterer,
	})

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.DialRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, svc, limiter, httpx.Options{IngestRateLimit: cfg.RateLimitIngest})
	defer router.Close()

	// Background tasks outlive the server so the final drain sees every
	// record accepted before shutdown.
	sched := scheduler.New(log)
	sched.Go("flusher", svc.Run)
	sched.Every("cache-maintenance", cfg.CacheMaintenance, svc.ReportCacheUsage)
	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(schedCtx) }()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("log processor starting", "addr", cfg.Addr, "store", cfg.StoreDriver, "cache", logCache != nil,
			"batch_size", cfg.BatchSize, "flush_interval", cfg.FlushInterval)
		errorCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			exitCode = 1
		}
	case err := <-schedDone:
		log.Error("background task stopped", "error", err)
		schedDone <- err
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	cancelSched()
	if err := <-schedDone; err != nil {
		log.Error("background tasks failed", "error", err)
	}
	log.Info("log processor stopped", "stats", svc.Stats())
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func openStore(ctx context.Context, cfg config.ProcessorConfig, log *slog.Logger) (repository.LogRepository, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverClickHouse:
		repo, err := clickhouse.Open(ctx, clickhouse.Options{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, fmt.Errorf("ensure clickhouse schema: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		runner, err := migrate.New(pool, cfg.MigrationsDir, log)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("configure migrations: %w", err)
		}
		defer runner.Close()
		if err := runner.Ensure(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return postgres.New(pool), pool.Close, nil
	}
}
