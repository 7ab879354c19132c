package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/metrics"
)

// RouterConfig holds everything the HTTP surface is built from
type RouterConfig struct {
	Middleware     *Middleware
	Predictions    *PredictionHandler
	Admin          *AdminHandler
	Health         *HealthHandler
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable it behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// NewRouter wires routes and global middleware
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	if cfg.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(cfg.Middleware.RequestIDMiddleware)
	r.Use(cfg.Middleware.LoggingMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	r.Use(cfg.Middleware.CORSMiddleware)

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.HandleHealth)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	// Auth and rate limiting run inside the pipeline
	r.Route("/v1", func(r chi.Router) {
		r.Post("/fair_price", cfg.Predictions.HandleFairPrice)
		r.Get("/cards", cfg.Predictions.HandleCards)
	})

	if cfg.Admin != nil {
		r.Route("/admin", cfg.Admin.Routes)
	}

	return r
}
