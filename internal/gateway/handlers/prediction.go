package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/predictor"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/models"
	"go.uber.org/zap"
)

// RequestLogger persists request logs. *database.DB satisfies it.
type RequestLogger interface {
	LogRequest(ctx context.Context, log *models.RequestLog) error
}

// FairPriceRequest is the body of POST /v1/fair_price
type FairPriceRequest struct {
	CardID string `json:"card_id"`
	Date   string `json:"date,omitempty"`
}

type PredictionHandler struct {
	pipeline *pipeline.Pipeline
	requests RequestLogger
	logger   *zap.Logger
}

// NewPredictionHandler creates the prediction endpoints. requests may be nil.
func NewPredictionHandler(p *pipeline.Pipeline, requests RequestLogger, logger *zap.Logger) *PredictionHandler {
	return &PredictionHandler{
		pipeline: p,
		requests: requests,
		logger:   logging.OrNop(logger),
	}
}

// HandleFairPrice handles POST /v1/fair_price
func (h *PredictionHandler) HandleFairPrice(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	var body FairPriceRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "invalid request body", requestID)
		return
	}

	params, err := fairPriceParams(body)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", err.Error(), requestID)
		return
	}

	h.serve(w, r, predictor.OpFairPrice, params)
}

// HandleCards handles GET /v1/cards
func (h *PredictionHandler) HandleCards(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, predictor.OpCards, nil)
}

// fairPriceParams normalizes the request so equivalent requests share a
// cache key: card_id is trimmed and date is reduced to a UTC YYYY-MM-DD.
func fairPriceParams(body FairPriceRequest) (map[string]any, error) {
	cardID := strings.TrimSpace(body.CardID)
	if cardID == "" {
		return nil, errors.New("card_id is required")
	}
	params := map[string]any{"card_id": cardID}

	if raw := strings.TrimSpace(body.Date); raw != "" {
		date, err := normalizeDate(raw)
		if err != nil {
			return nil, err
		}
		params["date"] = date
	}
	return params, nil
}

func normalizeDate(raw string) (string, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.Format(time.DateOnly), nil
	}
	// Timestamps name an instant; the date is taken in UTC so equal
	// instants share a cache key.
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC().Format(time.DateOnly), nil
	}
	return "", errors.New("date must be YYYY-MM-DD or an RFC 3339 timestamp")
}

func (h *PredictionHandler) serve(w http.ResponseWriter, r *http.Request, operation string, params map[string]any) {
	start := time.Now()
	credential := Credential(r)

	resp := h.pipeline.Handle(r.Context(), pipeline.Request{
		RequestID:  RequestIDFromContext(r.Context()),
		Credential: credential,
		RemoteAddr: r.RemoteAddr,
		Operation:  operation,
		Params:     params,
	})

	writeMetaHeaders(w, resp.Meta)

	status := http.StatusOK
	if resp.Err != nil {
		var msg string
		status, msg = errorStatus(resp.Err)
		writeError(w, h.logger, status, pipeline.ErrorType(resp.Err), msg, resp.Meta.RequestID)
	} else {
		writeRaw(w, status, resp.Value)
	}

	h.logRequest(r, credential, operation, resp, status, time.Since(start))
}

func writeMetaHeaders(w http.ResponseWriter, meta pipeline.Metadata) {
	m := meta.Map()
	h := w.Header()
	h.Set("X-Request-ID", m[pipeline.MetaRequestID])
	h.Set("X-Cache-Status", m[pipeline.MetaCacheStatus])
	if v, ok := m[pipeline.MetaRateLimitLimit]; ok {
		h.Set("X-RateLimit-Limit", v)
		h.Set("X-RateLimit-Remaining", m[pipeline.MetaRateLimitRemaining])
		h.Set("X-RateLimit-Reset", m[pipeline.MetaRateLimitReset])
	}
	if v, ok := m[pipeline.MetaRetryAfter]; ok {
		h.Set("Retry-After", v)
	}
}

// errorStatus maps a pipeline error to an HTTP status and message
func errorStatus(err error) (int, string) {
	var upstream *predictor.UpstreamError
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		return http.StatusUnauthorized, "API key required. Provide it in the X-API-Key header."
	case errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized, "Invalid or revoked API key."
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "Rate limit exceeded. Retry after the interval in the Retry-After header."
	case errors.Is(err, ratelimit.ErrLimiterUnavailable):
		return http.StatusServiceUnavailable, "Rate limiter unavailable."
	case errors.As(err, &upstream):
		return upstream.StatusCode, upstream.Body
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "model service timed out"
	default:
		return http.StatusBadGateway, err.Error()
	}
}

// logRequest logs the request to the database
func (h *PredictionHandler) logRequest(r *http.Request, credential, operation string, resp *pipeline.Response, status int, d time.Duration) {
	if h.requests == nil {
		return
	}

	identity := resp.Identity.Display
	if identity == "" {
		identity = auth.AddressIdentity(r.RemoteAddr).Display
		if credential != "" {
			identity = auth.Mask(credential)
		}
	}

	log := &models.RequestLog{
		RequestID:   resp.Meta.RequestID,
		Identity:    identity,
		Operation:   operation,
		CacheStatus: string(resp.Meta.CacheStatus),
		Allowed:     admitted(resp),
		StatusCode:  status,
		LatencyMs:   int(d.Milliseconds()),
	}
	if resp.Err != nil {
		msg := resp.Err.Error()
		log.ErrorMessage = &msg
	}

	// Log asynchronously to avoid blocking
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := h.requests.LogRequest(ctx, log); err != nil {
			h.logger.Warn("failed to log request", zap.String("request_id", log.RequestID), zap.Error(err))
		}
	}()
}

func admitted(resp *pipeline.Response) bool {
	for _, s := range resp.Trace {
		if s == pipeline.StateAdmitted {
			return true
		}
	}
	return false
}
