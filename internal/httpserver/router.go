package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relicta-tech/buildline/internal/httpserver/middleware"
)

// setupRouter configures the Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(s.corsMiddleware())
	if s.rateLimiter != nil {
		r.Use(s.rateLimiter.Handler)
	}

	// Unauthenticated
	r.Get("/health", s.handlers.Health)
	r.Get("/api/v1/health", s.handlers.Health)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(s.config.Auth))

		r.Get("/ws", s.wsHub.HandleConnection)

		r.Get("/jobs", s.handlers.ListJobs)
		r.Route("/jobs/{job}", func(r chi.Router) {
			r.Get("/env", s.handlers.ListEnvironments)
			r.Get("/runs", s.handlers.ListRuns)
			r.Get("/runs/{number}", s.handlers.GetRun)
			r.Post("/runs/{number}/promote", s.handlers.Promote)
		})
	})

	return r
}

// corsMiddleware returns configured CORS middleware. With no origins
// configured no CORS headers are sent.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowedOrigins := s.config.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
