package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"modelforge/internal/adapter/repo"
	"modelforge/internal/infra"
	"modelforge/internal/orchestrator"
	"modelforge/internal/provider/tripo"
	"modelforge/internal/storage"
)

const claimBatchSize = 10

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	store, err := storage.NewGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure object store")
	}
	if !store.Configured() {
		logger.Warn().Msg("worker: object store not configured, completed jobs will keep raw provider urls")
	}

	provider, err := tripo.NewClient(tripo.Options{
		APIKey:  cfg.TripoAPIKey,
		BaseURL: cfg.TripoAPIURL,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure generation provider")
	}

	orch := orchestrator.New(orchestrator.Options{
		Jobs:              repo.NewJobRepository(pool),
		Provider:          provider,
		Store:             store,
		Logger:            logger,
		PollInterval:      cfg.PollInterval,
		OutageBackoff:     cfg.PollOutageBackoff,
		ImageFetchTimeout: cfg.ImageFetchTimeout,
		MaxImageBytes:     cfg.MaxImageBytes,
	})

	logger.Info().Msg("worker: started")
	if err := run(ctx, orch, cfg.WorkerIdleSleep, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

// run drains due polls in batches, sleeping only when there is nothing due.
func run(ctx context.Context, orch *orchestrator.Orchestrator, idleSleep time.Duration, logger infra.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		polled, err := orch.PollDue(ctx, claimBatchSize)
		if err != nil {
			logger.Error().Err(err).Msg("worker: poll batch failed")
			polled = 0
		}
		if polled == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idleSleep):
			}
		}
	}
}
