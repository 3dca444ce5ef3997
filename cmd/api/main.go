package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"modelforge/internal/adapter/repo"
	"modelforge/internal/cache"
	"modelforge/internal/http/handlers"
	"modelforge/internal/http/httpapi"
	"modelforge/internal/infra"
	"modelforge/internal/middleware"
	"modelforge/internal/orchestrator"
	"modelforge/internal/provider/tripo"
	"modelforge/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if err := infra.Migrate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("api: migrations failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	store, err := storage.NewGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure object store")
	}
	if !store.Configured() {
		logger.Warn().Msg("api: object store not configured, uploads disabled and results kept as provider urls")
	}

	provider, err := tripo.NewClient(tripo.Options{
		APIKey:  cfg.TripoAPIKey,
		BaseURL: cfg.TripoAPIURL,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: failed to configure generation provider")
	}

	jobs := repo.NewJobRepository(pool)
	users := repo.NewUserRepository(pool)

	orch := orchestrator.New(orchestrator.Options{
		Jobs:              jobs,
		Provider:          provider,
		Store:             store,
		Logger:            logger,
		PollInterval:      cfg.PollInterval,
		OutageBackoff:     cfg.PollOutageBackoff,
		ImageFetchTimeout: cfg.ImageFetchTimeout,
		MaxImageBytes:     cfg.MaxImageBytes,
	})

	var counters cache.Cache
	if cfg.RedisURL != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: failed to configure redis")
		}
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("api: redis unreachable, rate limiting will fail open")
		}
		counters = redisCache
	} else {
		logger.Warn().Msg("api: REDIS_URL not set, rate limiting disabled")
	}
	limiter := middleware.NewRateLimit(counters, cfg.RateLimitPerMin)

	app := &handlers.App{
		Cfg:          cfg,
		Logger:       logger,
		Users:        users,
		Jobs:         jobs,
		Orchestrator: orch,
		Store:        store,
		Provider:     provider,
	}

	server := infra.NewHTTPServer(cfg, httpapi.NewRouter(app, limiter))

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("api: listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: failed to shutdown server")
	}
	logger.Info().Msg("api: stopped")
}
