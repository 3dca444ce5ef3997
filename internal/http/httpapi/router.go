package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"modelforge/internal/http/handlers"
	"modelforge/internal/middleware"
)

// NewRouter wires every route. Auth and rate limiting apply to everything
// under /api except login and the health probe.
func NewRouter(app *handlers.App, limiter *middleware.RateLimit) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(app.Logger))

	r.Get("/healthz", app.Health)
	r.Post("/api/auth/login", app.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(app.Cfg.JWTSecret))
		r.Use(limiter.Limit)

		r.Get("/api/auth/me", app.Me)

		r.Route("/api/jobs", func(r chi.Router) {
			r.Post("/", app.CreateJob)
			r.Get("/", app.ListJobs)
			r.Get("/{id}", app.GetJob)
			r.Delete("/{id}", app.DeleteJob)
			r.Get("/{id}/file", app.DownloadJobFile)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/users", app.AdminListUsers)
			r.Post("/users", app.AdminCreateUser)
			r.Put("/users/{id}", app.AdminUpdateUser)
			r.Delete("/users/{id}", app.AdminDeleteUser)
			r.Get("/provider/balance", app.AdminProviderBalance)
		})
	})

	return r
}
