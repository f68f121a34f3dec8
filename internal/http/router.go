package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"alttext/internal/http/handlers"
	"alttext/internal/middleware"
)

func NewRouter(app *handlers.App, logger zerolog.Logger) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer, middleware.Logger(logger))

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.EnqueueJob)
		r.Post("/bulk", app.EnqueueBulk)
		r.Post("/{id}/retry", app.RetryJob)
	})

	r.Route("/v1/queue", func(r chi.Router) {
		r.Get("/status", app.QueueStatus)
		r.Post("/retry-failed", app.RetryFailed)
		r.Post("/clear-completed", app.ClearCompleted)
	})

	r.Get("/v1/usage", app.Usage)
	r.Post("/v1/credentials", app.SetCredentials)

	return r
}
