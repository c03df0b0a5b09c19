package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opencare/kasan/internal/domain"
	"github.com/opencare/kasan/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, engine *rules.Engine, version string) *Server {
	handler := NewHandler(repo, cache, bus, engine, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/api", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Visit records; every save runs a full billing evaluation
		r.Post("/nursing-records", handler.CreateRecord)
		r.Put("/nursing-records/{id}", handler.UpdateRecord)
		r.Get("/nursing-records/{id}", handler.GetRecord)
		r.Get("/nursing-records", handler.ListRecords)

		// Patient master
		r.Put("/patients/{id}", handler.SavePatient)
		r.Get("/patients/{id}", handler.GetPatient)

		// Service code master
		r.Put("/service-codes/{id}", handler.SaveServiceCode)
		r.Get("/service-codes", handler.ListServiceCodes)

		// Bonus master management
		r.Get("/bonuses", handler.ListBonuses)
		r.Get("/bonuses/{code}", handler.GetBonus)
		r.Post("/bonuses", handler.CreateBonus)
		r.Post("/bonuses/reload", handler.ReloadBonuses)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
