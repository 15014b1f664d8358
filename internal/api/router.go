package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/farmsync/internal/api/middleware"
)

// NewRouter builds the daemon's HTTP surface. Only the enqueue endpoint is
// guarded by auth.
func NewRouter(handler *FarmHandler, auth *middleware.TokenAuth, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.NewTraceMiddleware(logger))

	r.Get("/healthz", handler.Health)

	r.Route("/farm", func(r chi.Router) {
		r.Get("/status", handler.Status)
		r.Get("/cache", handler.CacheKey)

		r.Group(func(r chi.Router) {
			r.Use(auth.Authenticate)
			r.Post("/tasks", handler.CreateTask)
		})
	})

	return r
}
