package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RegisterRoutes mounts the API on r.
func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)

	r.Route("/grading", func(r chi.Router) {
		r.Post("/orders", app.createOrder)
		r.Post("/batches", app.createBatch)
		r.Get("/tasks/{id}", app.getTask)
		r.Get("/batches/{id}", app.getBatch)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", app.createSession)
		r.Get("/{id}", app.getSession)
		r.Post("/{id}/start", app.startSession)
		r.Post("/{id}/complete", app.completeSession)
	})
}

// NewRouter returns the API with request ids, panic recovery, access logs
// and CORS for allowedOrigins.
func NewRouter(app *App, allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
	RegisterRoutes(r, app)
	return r
}
