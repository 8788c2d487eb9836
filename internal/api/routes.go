package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouteDeps are the handlers mounted by SetupRoutes. Health and Metrics may
// be nil.
type RouteDeps struct {
	Imports        *ImportHandlers
	Health         *HealthChecker
	Metrics        http.Handler
	Instrument     func(http.Handler) http.Handler
	AllowedOrigins []string
}

// SetupRoutes configures all API routes.
func SetupRoutes(d RouteDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if d.Instrument != nil {
		r.Use(d.Instrument)
	}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Disposition"},
		MaxAge:         300,
	}))

	if d.Health != nil {
		r.Get("/health", d.Health.HandleHealth)
		r.Get("/health/live", d.Health.HandleLiveness)
		r.Get("/health/ready", d.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"healthy"}`))
		})
	}
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	h := d.Imports
	r.Route("/api/imports", func(r chi.Router) {
		r.Get("/fields", h.GetFields)
		r.Get("/template", h.GetTemplate)

		r.Post("/preview", h.Preview)
		r.Post("/validate", h.Validate)
		r.Post("/commit", h.Commit)

		r.Post("/", h.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/file", h.UploadFile)
			r.Post("/validate", h.ValidateSession)
			r.Put("/options", h.SetOptions)
			r.Post("/commit", h.CommitSession)
			r.Get("/progress", h.GetProgress)
			r.Get("/errors.csv", h.GetErrorsCSV)
			r.Get("/errors.xlsx", h.GetErrorsXLSX)
			r.Post("/reset", h.ResetSession)
		})
	})

	return r
}
