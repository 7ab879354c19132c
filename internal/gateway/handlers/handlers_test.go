package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/pipeline"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/predictor"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKey        = "pk_abc"
	testAdminToken = "admin-secret"
)

type memRequestLog struct {
	mu   sync.Mutex
	logs []*models.RequestLog
}

func (m *memRequestLog) LogRequest(_ context.Context, log *models.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memRequestLog) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

type testServer struct {
	router     http.Handler
	registry   *auth.Registry
	cache      *cache.Cache[json.RawMessage]
	modelCalls *atomic.Int64
	requests   *memRequestLog
}

// newTestServer builds the full HTTP stack in front of a fake model
// service. The model answers 404 for card "missing".
func newTestServer(t *testing.T, burst int) *testServer {
	t.Helper()

	var calls atomic.Int64
	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			calls.Add(1)
		}
		switch r.URL.Path {
		case "/health":
			_, _ = io.WriteString(w, `{"status":"ok"}`)
			return
		case "/cards":
			_, _ = io.WriteString(w, `{"cards":["sv2a_151"],"count":1}`)
		case "/fair_price":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["card_id"] == "missing" {
				http.Error(w, `{"detail":"Card not found"}`, http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"card_id": body["card_id"], "date": body["date"], "fair_value": 12.5})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(model.Close)

	registry := auth.NewRegistry()
	_, err := registry.RegisterKey(context.Background(), testKey, "test")
	require.NoError(t, err)

	limiter, err := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: burst, FailOpen: true}, ratelimit.NewLocalStore(), nil, nil)
	require.NoError(t, err)
	c, err := cache.New[json.RawMessage](100)
	require.NoError(t, err)
	m := metrics.New()

	p, err := pipeline.New(predictor.NewClient(model.URL, time.Second),
		pipeline.WithGate(auth.NewGate(registry, auth.Required{})),
		pipeline.WithLimiter(limiter),
		pipeline.WithCache(c),
		pipeline.WithObserver(m),
	)
	require.NoError(t, err)

	requests := &memRequestLog{}
	router := NewRouter(RouterConfig{
		Middleware:  NewMiddleware(nil, m),
		Predictions: NewPredictionHandler(p, requests, nil),
		Admin:       NewAdminHandler(registry, c, limiter, testAdminToken, nil),
		Health:      NewHealthHandler(map[string]Checker{"model": predictor.NewClient(model.URL, time.Second).Ping}, nil),
		Metrics:     m,
	})

	return &testServer{router: router, registry: registry, cache: c, modelCalls: &calls, requests: requests}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func withKey(key string) map[string]string {
	return map[string]string{HeaderAPIKey: key}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp
}

func TestFairPrice_SuccessAndCacheHit(t *testing.T) {
	s := newTestServer(t, 10)

	rr := s.do(http.MethodPost, "/v1/fair_price", `{"card_id":"sv2a_151","date":"2025-11-24"}`, withKey(testKey))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"card_id":"sv2a_151","date":"2025-11-24","fair_value":12.5}`, rr.Body.String())
	assert.Equal(t, "60", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", rr.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rr.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "miss", rr.Header().Get("X-Cache-Status"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	// Same request, different formatting.
	rr = s.do(http.MethodPost, "/v1/fair_price", `{"date":"2025-11-24T08:30:00Z","card_id":"  sv2a_151 "}`, withKey(testKey))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "hit", rr.Header().Get("X-Cache-Status"))
	assert.Equal(t, int64(1), s.modelCalls.Load())

	assert.Eventually(t, func() bool { return s.requests.len() == 2 }, time.Second, 10*time.Millisecond)
}

func TestFairPrice_BearerCredential(t *testing.T) {
	s := newTestServer(t, 10)

	rr := s.do(http.MethodGet, "/v1/cards", "", map[string]string{"Authorization": "Bearer " + testKey})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"cards":["sv2a_151"],"count":1}`, rr.Body.String())
}

func TestFairPrice_MissingKey(t *testing.T) {
	s := newTestServer(t, 10)

	rr := s.do(http.MethodPost, "/v1/fair_price", `{"card_id":"sv2a_151"}`, map[string]string{HeaderRequestID: "req-42"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, "missing_api_key", body.Error)
	assert.Equal(t, "req-42", body.RequestID)
	assert.Equal(t, "req-42", rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "bypass", rr.Header().Get("X-Cache-Status"))
	assert.Equal(t, "60", rr.Header().Get("X-RateLimit-Limit"))
	assert.Zero(t, s.modelCalls.Load())
}

func TestFairPrice_InvalidKey(t *testing.T) {
	s := newTestServer(t, 10)

	rr := s.do(http.MethodGet, "/v1/cards", "", withKey("pk_wrong"))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "invalid_api_key", decodeError(t, rr).Error)
}

func TestFairPrice_RateLimited(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		rr := s.do(http.MethodGet, "/v1/cards", "", withKey(testKey))
		require.Equal(t, http.StatusOK, rr.Code)
	}

	rr := s.do(http.MethodGet, "/v1/cards", "", withKey(testKey))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "rate_limit_exceeded", decodeError(t, rr).Error)
}

func TestFairPrice_UpstreamStatusPassesThrough(t *testing.T) {
	s := newTestServer(t, 10)

	rr := s.do(http.MethodPost, "/v1/fair_price", `{"card_id":"missing"}`, withKey(testKey))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	body := decodeError(t, rr)
	assert.Equal(t, "upstream_error", body.Error)
	assert.Contains(t, body.Message, "Card not found")
	assert.Equal(t, "miss", rr.Header().Get("X-Cache-Status"))
}

func TestFairPrice_BadRequests(t *testing.T) {
	s := newTestServer(t, 10)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing card", `{"date":"2025-11-24"}`},
		{"blank card", `{"card_id":"   "}`},
		{"bad date", `{"card_id":"a","date":"24/11/2025"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(http.MethodPost, "/v1/fair_price", tt.body, withKey(testKey))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "invalid_request", decodeError(t, rr).Error)
		})
	}
	assert.Zero(t, s.modelCalls.Load())
}

func TestNormalizeDate(t *testing.T) {
	for in, want := range map[string]string{
		"2025-11-24":                "2025-11-24",
		"2025-11-24T23:59:59Z":      "2025-11-24",
		"2025-11-24T01:00:00+02:00": "2025-11-23",
		"2024-01-01T23:00:00-05:00": "2024-01-02",
		"2024-01-02T04:00:00Z":      "2024-01-02",
	} {
		got, err := normalizeDate(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := normalizeDate("yesterday")
	assert.Error(t, err)
}

func TestFairPrice_EqualInstantsShareCacheEntry(t *testing.T) {
	s := newTestServer(t, 10)

	rr := s.do(http.MethodPost, "/v1/fair_price", `{"card_id":"sv2a_151","date":"2024-01-01T23:00:00-05:00"}`, withKey(testKey))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "miss", rr.Header().Get("X-Cache-Status"))

	rr = s.do(http.MethodPost, "/v1/fair_price", `{"card_id":"sv2a_151","date":"2024-01-02T04:00:00Z"}`, withKey(testKey))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "hit", rr.Header().Get("X-Cache-Status"))
	assert.Equal(t, int64(1), s.modelCalls.Load())
}

// newAnonymousRouter serves /v1/cards to callers without keys, keyed by
// their address, with a single-token bucket.
func newAnonymousRouter(t *testing.T, trustProxyHeaders bool) http.Handler {
	t.Helper()

	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"cards":[],"count":0}`)
	}))
	t.Cleanup(model.Close)

	limiter, err := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, Burst: 1}, ratelimit.NewLocalStore(), nil, nil)
	require.NoError(t, err)
	p, err := pipeline.New(predictor.NewClient(model.URL, time.Second),
		pipeline.WithGate(auth.NewGate(auth.NewRegistry(), auth.Optional{})),
		pipeline.WithLimiter(limiter),
	)
	require.NoError(t, err)

	return NewRouter(RouterConfig{
		Middleware:        NewMiddleware(nil, nil),
		Predictions:       NewPredictionHandler(p, nil, nil),
		TrustProxyHeaders: trustProxyHeaders,
	})
}

func getCardsFrom(router http.Handler, remoteAddr, forwardedFor string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/cards", nil)
	req.RemoteAddr = remoteAddr
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Real-IP", forwardedFor)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestRateLimit_ForwardedForIgnoredByDefault(t *testing.T) {
	router := newAnonymousRouter(t, false)

	rr := getCardsFrom(router, "203.0.113.9:5555", "198.51.100.1")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	for _, xff := range []string{"198.51.100.2", "198.51.100.3", "10.0.0.1"} {
		rr = getCardsFrom(router, "203.0.113.9:5555", xff)
		assert.Equal(t, http.StatusTooManyRequests, rr.Code, xff)
	}
}

func TestRateLimit_ForwardedForTrustedBehindProxy(t *testing.T) {
	router := newAnonymousRouter(t, true)

	for _, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		rr := getCardsFrom(router, "10.0.0.2:5555", xff)
		assert.Equal(t, http.StatusOK, rr.Code, xff)
	}
	rr := getCardsFrom(router, "10.0.0.2:5555", "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{auth.ErrMissingCredential, http.StatusUnauthorized},
		{auth.ErrInvalidCredential, http.StatusUnauthorized},
		{ratelimit.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{ratelimit.ErrLimiterUnavailable, http.StatusServiceUnavailable},
		{&predictor.UpstreamError{StatusCode: 422, Body: "bad"}, 422},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		got, _ := errorStatus(tt.err)
		assert.Equal(t, tt.want, got, "for %v", tt.err)
	}
}

func TestCredential(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, Credential(req))

	req.Header.Set("Authorization", "Bearer pk_bearer")
	assert.Equal(t, "pk_bearer", Credential(req))

	req.Header.Set(HeaderAPIKey, " pk_header ")
	assert.Equal(t, "pk_header", Credential(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, Credential(req))
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 10)
	rr := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","components":{"model":"ok"}}`, rr.Body.String())

	h := NewHealthHandler(map[string]Checker{
		"redis": func(context.Context) error { return errors.New("down") },
	}, nil)
	rr = httptest.NewRecorder()
	h.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"status":"degraded","components":{"redis":"unavailable"}}`, rr.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, 10)
	s.do(http.MethodGet, "/v1/cards", "", withKey(testKey))

	rr := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `pricewatch_requests_total{endpoint="/v1/cards",method="GET",status_code="200"} 1`)
	assert.Contains(t, body, `pricewatch_cache_lookups_total{operation="cards",status="miss"} 1`)
	assert.Contains(t, body, `pricewatch_rate_limit_decisions_total{decision="allowed"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, 10)
	rr := s.do(http.MethodOptions, "/v1/fair_price", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}
