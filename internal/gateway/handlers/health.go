package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"go.uber.org/zap"
)

// Checker reports whether a dependency is reachable
type Checker func(ctx context.Context) error

type HealthHandler struct {
	checks  map[string]Checker
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler creates a health endpoint running checks on each call
func NewHealthHandler(checks map[string]Checker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second, logger: logging.OrNop(logger)}
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

// HandleHealth handles GET /health. Any failing check turns the status
// to degraded and the response code to 503.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Components: map[string]string{}}
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			resp.Components[name] = "unavailable"
			resp.Status = "degraded"
			continue
		}
		resp.Components[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, h.logger, status, resp)
}
