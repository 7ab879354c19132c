package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/predictor"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/config"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/database"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/redis"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("failed to load config", zap.Error(err))
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		zap.Must(zap.NewProduction()).Fatal("failed to build logger", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	// Setup context cancelled on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway stopped with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting price gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	checks := map[string]handlers.Checker{}

	// Initialize database (optional)
	var db *database.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = database.New(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		checks["database"] = db.Ping
		logger.Info("connected to PostgreSQL")
	}

	// Initialize Redis when a feature needs it
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		var err error
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
		logger.Info("connected to Redis")
	}

	registry, err := buildRegistry(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	limiter, err := buildLimiter(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	resultCache, err := buildCache(cfg, redisClient, logger)
	if err != nil {
		return err
	}

	model, err := predictor.NewPool(cfg.ModelServiceURLs, cfg.ComputeTimeout, logger)
	if err != nil {
		return err
	}
	checks["model"] = model.Ping
	m := metrics.New()

	opts := []pipeline.Option{
		pipeline.WithObserver(m),
		pipeline.WithLogger(logger),
	}
	if cfg.AuthEnabled {
		var policy auth.Policy = auth.Required{}
		if !cfg.AuthRequired {
			policy = auth.Optional{}
		}
		opts = append(opts, pipeline.WithGate(auth.NewGate(registry, policy)))
		logger.Info("authentication enabled", zap.String("policy", policy.Name()))
	}
	if limiter != nil {
		opts = append(opts, pipeline.WithLimiter(limiter))
	}
	if resultCache != nil {
		opts = append(opts, pipeline.WithCache(resultCache))
	}
	p, err := pipeline.New(model, opts...)
	if err != nil {
		return err
	}

	// Initialize handlers
	var requests handlers.RequestLogger
	if db != nil {
		requests = db
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Middleware:        handlers.NewMiddleware(logger, m),
		Predictions:       handlers.NewPredictionHandler(p, requests, logger),
		Admin:             handlers.NewAdminHandler(registry, resultCache, limiter, cfg.AdminToken, logger),
		Health:            handlers.NewHealthHandler(checks, logger),
		Metrics:           m,
		RequestTimeout:    cfg.ComputeTimeout + 5*time.Second,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	// HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.Strings("routes", []string{
				"POST /v1/fair_price",
				"GET  /v1/cards",
				"GET  /health",
				"GET  /metrics",
				"     /admin/*",
			}),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gracefully")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func buildRegistry(ctx context.Context, cfg *config.Config, db *database.DB, logger *zap.Logger) (*auth.Registry, error) {
	opts := []auth.RegistryOption{auth.WithLogger(logger)}
	if db != nil {
		opts = append(opts, auth.WithPersister(db))
	}
	registry := auth.NewRegistry(opts...)

	if db != nil {
		if err := registry.Load(ctx); err != nil {
			return nil, err
		}

		// Pick up revocations and rotations made by other replicas
		changes, err := db.WatchKeyChanges(ctx, logger)
		if err != nil {
			logger.Warn("api key change notifications unavailable, relying on periodic reload",
				zap.Duration("interval", cfg.KeyRefreshInterval),
				zap.Error(err),
			)
		}
		registry.StartSync(ctx, changes, cfg.KeyRefreshInterval)
	}

	// Seed keys from API_KEYS
	for _, key := range cfg.APIKeys {
		_, err := registry.RegisterKey(ctx, key, "env")
		switch {
		case errors.Is(err, auth.ErrKeyExists):
		case err != nil:
			return nil, err
		default:
			logger.Info("api key loaded from environment", zap.String("key", auth.Mask(key)))
		}
	}

	logger.Info("key registry ready", zap.Int("keys", len(registry.List())))
	if cfg.AuthEnabled && cfg.AuthRequired && len(registry.List()) == 0 {
		logger.Warn("authentication is required but no API keys are configured")
	}
	return registry, nil
}

func buildLimiter(ctx context.Context, cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*ratelimit.Limiter, error) {
	if !cfg.RateLimitEnabled {
		return nil, nil
	}

	var store ratelimit.CounterStore
	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		// A bucket idle for longer than a full refill is indistinguishable
		// from a fresh one.
		refill := time.Duration(math.Ceil(float64(cfg.RateLimitBurst)*60/float64(cfg.RateLimitRPM))) * time.Second
		store = ratelimit.NewRedisStore(redisClient, "ratelimit:bucket", refill+time.Minute)
	default:
		local := ratelimit.NewLocalStore()
		local.StartJanitor(ctx)
		store = local
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitRPM,
		Burst:             cfg.RateLimitBurst,
		FailOpen:          cfg.RateLimitFailOpen,
	}, store, clock.Real{}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("rate limiting enabled",
		zap.String("backend", store.Name()),
		zap.Int("rpm", cfg.RateLimitRPM),
		zap.Int("burst", cfg.RateLimitBurst),
		zap.Bool("fail_open", cfg.RateLimitFailOpen),
	)
	return limiter, nil
}

func buildCache(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) (*cache.Cache[json.RawMessage], error) {
	if !cfg.CacheEnabled {
		return nil, nil
	}

	opts := []cache.Option[json.RawMessage]{
		cache.WithTTL[json.RawMessage](cfg.CacheTTL()),
		cache.WithComputeTimeout[json.RawMessage](cfg.ComputeTimeout),
		cache.WithLogger[json.RawMessage](logger),
	}
	if cfg.CacheShared {
		opts = append(opts, cache.WithSharedTier[json.RawMessage](cache.NewRedisTier[json.RawMessage](redisClient)))
	}

	c, err := cache.New[json.RawMessage](cfg.CacheMaxSize, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info("result cache enabled",
		zap.Int("max_size", cfg.CacheMaxSize),
		zap.Duration("ttl", cfg.CacheTTL()),
		zap.Bool("shared", cfg.CacheShared),
	)
	return c, nil
}
