package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tollgatepay/server/internal/config"
	"github.com/tollgatepay/server/internal/journal"
	"github.com/tollgatepay/server/internal/logger"
	"github.com/tollgatepay/server/internal/metrics"
	"github.com/tollgatepay/server/pkg/paygate"
)

var serverStartTime = time.Now()

// Server wires the payment gate, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg     *config.Config
	gate    *paygate.Gate
	journal journal.Journal
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds the HTTP server with the configured router. All routes under
// protected are admitted only on verified payment.
func New(cfg *config.Config, gate *paygate.Gate, jrnl journal.Journal, metricsCollector *metrics.Metrics, appLogger zerolog.Logger, protected http.Handler) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:     cfg,
			gate:    gate,
			journal: jrnl,
			metrics: metricsCollector,
			logger:  appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, gate, jrnl, metricsCollector, appLogger, protected)

	return s
}

// ConfigureRouter attaches the gate and supporting routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, gate *paygate.Gate, jrnl journal.Journal, metricsCollector *metrics.Metrics, appLogger zerolog.Logger, protected http.Handler) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:     cfg,
		gate:    gate,
		journal: jrnl,
		metrics: metricsCollector,
		logger:  appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{paygate.HeaderChallenge, paygate.HeaderReceipt},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers first so every response carries them
	router.Use(securityHeadersMiddleware)

	// Structured logging before RequestID so the request logger is in context
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Lightweight endpoints with a short timeout
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", handler.health)
		r.Handle("/metrics", promhttp.Handler())
	})

	// Gated content. A 60s timeout covers on-chain verification latency.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// The challenge surface is unauthenticated and cheap to hit, so it
		// gets a per-IP rate limit of its own.
		if cfg.Server.RateLimitEnabled {
			r.Use(httprate.LimitByIP(cfg.Server.RateLimitPerIP, cfg.Server.RateLimitWindow.Duration))
		}

		r.Use(gate.Middleware())
		r.Use(journal.Middleware(jrnl, metricsCollector, cfg.Journal.Backend))

		r.Handle("/*", protected)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
