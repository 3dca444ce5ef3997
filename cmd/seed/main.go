// Command seed provisions the initial admin account. Safe to run repeatedly:
// an existing admin has its password and role refreshed.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"modelforge/internal/adapter/repo"
	"modelforge/internal/domain"
	"modelforge/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	email := getenv("ADMIN_EMAIL", "admin@modelforge.local")
	password := getenv("ADMIN_PASSWORD", "admin123")
	name := getenv("ADMIN_NAME", "Administrator")

	ctx := context.Background()

	if err := infra.Migrate(cfg); err != nil {
		logger.Fatal().Err(err).Msg("seed: migrations failed")
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed: db connection failed")
	}
	defer pool.Close()

	users := repo.NewUserRepository(pool)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed: hash password failed")
	}

	existing, err := users.GetByEmail(ctx, email)
	switch {
	case err == nil:
		existing.Name = name
		existing.PasswordHash = string(hash)
		existing.Role = domain.RoleAdmin
		if err := users.Update(ctx, existing); err != nil {
			logger.Fatal().Err(err).Msg("seed: update admin failed")
		}
		logger.Info().Str("email", email).Msg("seed: admin refreshed")
	case errors.Is(err, domain.ErrNotFound):
		admin := &domain.User{
			ID:           uuid.NewString(),
			Email:        email,
			Name:         name,
			PasswordHash: string(hash),
			Role:         domain.RoleAdmin,
		}
		if err := users.Create(ctx, admin); err != nil {
			logger.Fatal().Err(err).Msg("seed: create admin failed")
		}
		logger.Info().Str("email", email).Msg("seed: admin created")
	default:
		logger.Fatal().Err(err).Msg("seed: lookup failed")
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
