package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"safe-eval/internal/config"
	"safe-eval/internal/monitor"
	"safe-eval/internal/sandbox"
)

// Server is the main HTTP server for the evaluation API.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	limiter    *RateLimiter
	cfg        *config.Config
}

// NewServer creates and configures the HTTP server with all routes and middleware.
// backend may be nil; evaluation endpoints then answer 503.
func NewServer(cfg *config.Config, backend sandbox.Backend, metrics *monitor.Metrics) *Server {
	s := &Server{
		handlers: NewHandlers(backend),
		limiter:  NewRateLimiter(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst),
		cfg:      cfg,
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all evaluation requests will be accepted")
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.routes(metrics),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes(metrics *monitor.Metrics) http.Handler {
	r := chi.NewRouter()

	// Outermost first.
	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(SecurityHeadersMiddleware)
	r.Use(chimiddleware.CleanPath)
	r.Use(MaxBodyMiddleware(s.cfg.Server.MaxRequestBody))
	r.Use(s.limiter.Middleware)
	r.Use(MetricsMiddleware(metrics))

	r.Get("/health", s.handlers.HandleHealth)
	if s.cfg.Metrics.Enabled && metrics != nil {
		r.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.cfg.Security.APIKeyHeader, s.cfg.Security.AllowedKeys))
		r.Post("/evaluate", s.handlers.HandleEvaluate)
		r.Post("/evaluate/stream", s.handlers.HandleEvaluateStream)
		r.Get("/languages", s.handlers.HandleLanguages)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "not found", "NOT_FOUND", http.StatusNotFound, r)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, "method not allowed", "METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed, r)
	})

	if s.cfg.Tracing.Enabled {
		return otelhttp.NewHandler(r, "safe-eval.http")
	}
	return r
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}
