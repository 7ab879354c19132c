package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"go.uber.org/zap"
)

// Request headers
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderRequestID  = "X-Request-ID"
	HeaderAdminToken = "X-Admin-Token"
)

const maxRequestIDLen = 128

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the id assigned by RequestIDMiddleware
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// Credential extracts the API key from X-API-Key, falling back to a
// Bearer token in Authorization.
func Credential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key
	}

	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

type Middleware struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewMiddleware(logger *zap.Logger, m *metrics.Metrics) *Middleware {
	return &Middleware{
		logger:  logging.OrNop(logger),
		metrics: m,
	}
}

// RequestIDMiddleware keeps a caller supplied X-Request-ID or assigns a
// new one, and echoes it on the response.
func (m *Middleware) RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs each request and records its metrics
func (m *Middleware) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if m.metrics != nil {
			m.metrics.ObserveRequest(r.Method, route, sw.status, elapsed)
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
		}
		if cred := Credential(r); cred != "" {
			fields = append(fields, zap.String("api_key", auth.Mask(cred)))
		}
		m.logger.Info("http request", fields...)
	})
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After, X-Cache-Status, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the HTTP status code for logging
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
