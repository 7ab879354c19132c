package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// AdminHandler serves key lifecycle and maintenance endpoints. cache and
// limiter may be nil when the feature is disabled.
type AdminHandler struct {
	registry *auth.Registry
	cache    *cache.Cache[json.RawMessage]
	limiter  *ratelimit.Limiter
	token    string
	logger   *zap.Logger
}

func NewAdminHandler(registry *auth.Registry, c *cache.Cache[json.RawMessage], limiter *ratelimit.Limiter, token string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		registry: registry,
		cache:    c,
		limiter:  limiter,
		token:    token,
		logger:   logging.OrNop(logger),
	}
}

type createKeyRequest struct {
	Label string `json:"label"`
	// Key imports a known value instead of generating one.
	Key string `json:"key,omitempty"`
}

type rotateKeyRequest struct {
	Key   string `json:"key"`
	Label string `json:"label,omitempty"`
}

type keyResponse struct {
	// Key is the raw value; it is only ever returned here.
	Key    string        `json:"key"`
	Record models.APIKey `json:"record"`
}

// Routes mounts the admin API on r
func (h *AdminHandler) Routes(r chi.Router) {
	r.Use(h.RequireToken)

	r.Get("/keys", h.ListKeys)
	r.Post("/keys", h.CreateKey)
	r.Post("/keys/rotate", h.RotateKey)
	r.Delete("/keys/{id}", h.RevokeKey)

	r.Get("/cache/stats", h.CacheStats)
	r.Delete("/cache", h.ClearCache)

	r.Delete("/ratelimit/{identity}", h.ResetRateLimit)
}

// RequireToken checks X-Admin-Token. With no token configured the admin
// API is closed.
func (h *AdminHandler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := RequestIDFromContext(r.Context())
		if h.token == "" {
			writeError(w, h.logger, http.StatusForbidden, "admin_disabled", "admin API is disabled", requestID)
			return
		}
		got := r.Header.Get(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeError(w, h.logger, http.StatusUnauthorized, "invalid_admin_token", "invalid admin token", requestID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListKeys handles GET /admin/keys
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.registry.List()
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"keys": keys, "count": len(keys)})
}

// CreateKey handles POST /admin/keys
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	var req createKeyRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "invalid request body", requestID)
			return
		}
	}

	var (
		value string
		rec   models.APIKey
		err   error
	)
	if key := strings.TrimSpace(req.Key); key != "" {
		value = key
		rec, err = h.registry.RegisterKey(r.Context(), key, req.Label)
	} else {
		value, rec, err = h.registry.Register(r.Context(), req.Label)
	}
	if err != nil {
		h.registryError(w, requestID, err)
		return
	}

	h.logger.Info("api key created", zap.String("key_id", rec.ID), zap.String("key", rec.KeyHint))
	writeJSON(w, h.logger, http.StatusCreated, keyResponse{Key: value, Record: rec})
}

// RotateKey handles POST /admin/keys/rotate
func (h *AdminHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	var req rotateKeyRequest
	if err := decodeJSON(w, r, &req); err != nil || strings.TrimSpace(req.Key) == "" {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "key is required", requestID)
		return
	}

	value, rec, err := h.registry.Rotate(r.Context(), strings.TrimSpace(req.Key), req.Label)
	if err != nil {
		h.registryError(w, requestID, err)
		return
	}

	h.logger.Info("api key rotated",
		zap.String("old_key", auth.Mask(req.Key)),
		zap.String("key_id", rec.ID),
		zap.String("key", rec.KeyHint),
	)
	writeJSON(w, h.logger, http.StatusOK, keyResponse{Key: value, Record: rec})
}

// RevokeKey handles DELETE /admin/keys/{id}
func (h *AdminHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.RevokeID(r.Context(), id); err != nil {
		h.registryError(w, RequestIDFromContext(r.Context()), err)
		return
	}

	h.logger.Info("api key revoked", zap.String("key_id", id))
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"id": id, "revoked": true})
}

func (h *AdminHandler) registryError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, auth.ErrKeyNotFound):
		writeError(w, h.logger, http.StatusNotFound, "key_not_found", err.Error(), requestID)
	case errors.Is(err, auth.ErrKeyExists):
		writeError(w, h.logger, http.StatusConflict, "key_exists", err.Error(), requestID)
	case errors.Is(err, auth.ErrKeyRevoked):
		writeError(w, h.logger, http.StatusConflict, "key_revoked", err.Error(), requestID)
	default:
		h.logger.Error("key registry update failed", zap.String("request_id", requestID), zap.Error(err))
		writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "key registry update failed", requestID)
	}
}

// CacheStats handles GET /admin/cache/stats
func (h *AdminHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, h.logger, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"enabled": true, "stats": h.cache.Stats()})
}

// ClearCache handles DELETE /admin/cache
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		h.cache.Clear()
		h.logger.Info("result cache cleared")
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"cleared": h.cache != nil})
}

// ResetRateLimit handles DELETE /admin/ratelimit/{identity}. identity is
// the accounting key, e.g. "ip:10.0.0.1" or "key:<sha256>".
func (h *AdminHandler) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())
	if h.limiter == nil {
		writeError(w, h.logger, http.StatusNotFound, "rate_limit_disabled", "rate limiting is disabled", requestID)
		return
	}

	identity := chi.URLParam(r, "identity")
	if err := h.limiter.Reset(r.Context(), identity); err != nil {
		h.logger.Error("rate limit reset failed", zap.String("identity", identity), zap.Error(err))
		writeError(w, h.logger, http.StatusServiceUnavailable, "rate_limiter_unavailable", "rate limit reset failed", requestID)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]any{"identity": identity, "reset": true})
}
