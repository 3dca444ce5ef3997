package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"modelforge/internal/domain"
	"modelforge/internal/infra"
	"modelforge/internal/middleware"
	"modelforge/internal/orchestrator"
	"modelforge/internal/provider/tripo"
	"modelforge/internal/storage"
)

// BalanceFetcher is the slice of the provider client the admin handlers use.
type BalanceFetcher interface {
	GetBalance(ctx context.Context) (tripo.Balance, error)
}

// App bundles the handler dependencies.
type App struct {
	Cfg          *infra.Config
	Logger       infra.Logger
	Users        domain.UserRepository
	Jobs         domain.JobRepository
	Orchestrator *orchestrator.Orchestrator
	Store        *storage.Gateway
	Provider     BalanceFetcher
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// error writes the single human-readable message callers see; causes stay in
// the server log.
func (a *App) error(w http.ResponseWriter, code int, message string) {
	a.json(w, code, map[string]string{"error": message})
}

// domainError maps a domain sentinel to a transport response.
func (a *App) domainError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrDuplicateEmail):
		a.error(w, http.StatusConflict, "email already in use")
	case errors.Is(err, domain.ErrStorageNotConfigured):
		a.error(w, http.StatusServiceUnavailable, "storage is not configured")
	case errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusBadGateway, "generation could not be started")
	default:
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("handler error")
		a.error(w, http.StatusInternalServerError, fallback)
	}
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

func (a *App) isAdmin(r *http.Request) bool {
	return middleware.RoleFromContext(r.Context()) == string(domain.RoleAdmin)
}
