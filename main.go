package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"convertapi/admission"
	"convertapi/api"
	"convertapi/config"
	"convertapi/conversion"
	"convertapi/logger"
	"convertapi/quota"
	"convertapi/ratelimit"
	"convertapi/services"
	"convertapi/webhook"
	"convertapi/worker"
)

type stores struct {
	db       *sql.DB
	jobs     services.JobRepository
	quotas   quota.Store
	settings ratelimit.SettingsStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting conversion API",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	if st.db != nil {
		defer st.db.Close()
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	var objects services.ObjectStore
	if cfg.S3.Enabled() {
		s3Svc, err := services.NewS3Service(cfg.S3)
		if err != nil {
			logger.Fatal("Failed to initialize S3", zap.Error(err))
		}
		objects = s3Svc
		logger.Info("Object storage enabled", zap.String("bucket", cfg.S3.Bucket))
	}

	ledger, err := quota.NewLedger(st.quotas, quota.Defaults{
		Conversions: cfg.Quotas.DefaultMonthlyConversions,
		Bytes:       cfg.Quotas.DefaultMonthlyBytes,
	})
	if err != nil {
		logger.Fatal("Invalid quota defaults", zap.Error(err))
	}

	catalog, err := ratelimit.NewCatalog(cfg.RateLimiting.Tiers)
	if err != nil {
		logger.Fatal("Invalid rate limit tiers", zap.Error(err))
	}
	settings := ratelimit.NewSettingsService(st.settings, catalog)

	limiterStore := ratelimit.NewLimiterStore(
		ratelimit.WithIdleTTL(cfg.RateLimiting.IdleTTL),
		ratelimit.WithCleanupEvery(cfg.RateLimiting.CleanupEvery),
	)
	limiterStore.StartJanitor(ctx)
	limiterOpts := ratelimit.Options{
		Settings: settings,
		Store:    limiterStore,
		UserID:   api.CallerID,
		Enabled:  cfg.RateLimiting.Enabled,
	}
	if redisClient != nil {
		limiterOpts.Stats = ratelimit.NewRedisStats(redisClient, ratelimit.WithStatsPrefix(cfg.Redis.Queue("ratelimit:stats")))
	}

	notifier := webhook.NewNotifier(webhook.Config{
		Timeout:    cfg.Webhook.Timeout(),
		MaxRetries: cfg.Webhook.MaxRetries,
		RetryDelay: cfg.Webhook.RetryDelay(),
	})
	dispatcher, err := webhook.NewDispatcher(ctx, notifier, cfg.Worker.WebhookPoolSize)
	if err != nil {
		logger.Fatal("Failed to start webhook dispatcher", zap.Error(err))
	}

	processor := conversion.NewProcessor(
		st.jobs,
		services.NewGotenbergService(cfg.Gotenberg.URL),
		objects,
		dispatcher,
		conversion.Config{
			InlineMaxBytes: int(cfg.Storage.InlineMaxBytes),
			Timeout:        cfg.Worker.ConversionTimeout,
		},
	)

	// Async conversions need both the queue and somewhere to stage inputs.
	var (
		queue   conversion.Queue
		workers errgroup.Group
	)
	if redisClient != nil && objects != nil {
		redisQueue := worker.NewRedisQueue(redisClient, worker.Queues{
			Pending:      cfg.Redis.Queue(cfg.Redis.PendingQueue),
			Processing:   cfg.Redis.Queue(cfg.Redis.ProcessingQueue),
			Failed:       cfg.Redis.Queue(cfg.Redis.FailedQueue),
			StatusPrefix: cfg.Redis.Queue("conversion:status:"),
		}, cfg.Worker.MaxRetries)
		queue = redisQueue

		pool := worker.NewPool(worker.Config{
			Count:            cfg.Worker.Count,
			StaleAfter:       cfg.Worker.StaleAfter,
			RecoveryInterval: cfg.Worker.RecoveryInterval,
		}, redisQueue, processor, objects)

		workers.Go(func() error {
			pool.Run(ctx)
			return nil
		})
		logger.Info("Started conversion workers",
			zap.Int("count", cfg.Worker.Count),
			zap.String("queue", cfg.Redis.Queue(cfg.Redis.PendingQueue)),
			zap.String("gotenberg", cfg.Gotenberg.URL),
		)
	} else {
		logger.Warn("Asynchronous conversions disabled: Redis and S3 are both required")
	}

	gate := admission.NewGate(ledger, admission.GateConfig{
		Enabled:      cfg.Quotas.Enabled,
		ExemptAdmins: cfg.Quotas.ExemptAdmins,
	})

	server := api.NewServer(api.ServerDeps{
		Processor:      processor,
		Queue:          queue,
		Ledger:         ledger,
		Settings:       settings,
		Limiter:        ratelimit.NewLimiter(limiterOpts),
		Chain:          admission.ConversionChain(gate, cfg.Server.MaxUploadBytes),
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Ready:          readiness(st.db, redisClient),
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(server),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		_ = workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("All workers stopped gracefully")
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("Shutdown timeout, abandoning workers")
	}

	dispatcher.Shutdown(cfg.Server.ShutdownTimeout)
	logger.Info("Conversion API stopped")
}

func openStores(ctx context.Context, cfg *config.Config) (stores, error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("Using in-memory storage; data is lost on restart")
		return stores{
			jobs:     services.NewMemoryJobRepository(),
			quotas:   quota.NewMemoryStore(),
			settings: ratelimit.NewMemorySettingsStore(),
		}, nil
	}

	db, err := services.OpenDatabase(ctx, cfg.Database.DSN())
	if err != nil {
		return stores{}, err
	}
	logger.Info("Connected to database", zap.String("host", cfg.Database.Host), zap.String("name", cfg.Database.Name))

	jobs, err := services.NewPostgresJobRepository(db)
	if err != nil {
		db.Close()
		return stores{}, err
	}
	quotas, err := quota.NewPostgresStore(db)
	if err != nil {
		db.Close()
		return stores{}, err
	}
	settings, err := ratelimit.NewPostgresSettingsStore(db)
	if err != nil {
		db.Close()
		return stores{}, err
	}
	return stores{db: db, jobs: jobs, quotas: quotas, settings: settings}, nil
}

func readiness(db *sql.DB, rdb *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if db != nil {
			if err := db.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	}
}
