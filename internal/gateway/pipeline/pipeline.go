package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/auth"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"go.uber.org/zap"
)

// State is a stage of request handling
type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateAdmitted      State = "admitted"
	StateResolved      State = "resolved"
	StateResponded     State = "responded"
)

// Computer produces the value for an operation. It is the external
// collaborator the gateway protects.
type Computer interface {
	Compute(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error)
}

// Observer receives per-stage events. *metrics.Metrics satisfies it.
type Observer interface {
	AuthFailed(reason string)
	Admission(allowed, degraded bool)
	CacheLookup(operation, status string)
	Error(errorType string)
}

// Request is one inbound call
type Request struct {
	RequestID  string
	Credential string
	RemoteAddr string
	Operation  string
	Params     map[string]any
}

// Response is the outcome of Handle. Err is nil on success.
type Response struct {
	Value    json.RawMessage
	Err      error
	Identity auth.Identity
	Meta     Metadata
	Trace    []State
}

// State returns the last stage reached
func (r *Response) State() State {
	if len(r.Trace) == 0 {
		return ""
	}
	return r.Trace[len(r.Trace)-1]
}

func (r *Response) enter(s State) {
	r.Trace = append(r.Trace, s)
}

// Pipeline runs auth, admission and resolution in that order. Any of
// the gate, limiter and cache may be nil, which disables that stage.
type Pipeline struct {
	gate     *auth.Gate
	limiter  *ratelimit.Limiter
	cache    *cache.Cache[json.RawMessage]
	compute  Computer
	observer Observer
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithGate enables credential checks
func WithGate(g *auth.Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

// WithLimiter enables rate limiting
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithCache enables result caching
func WithCache(c *cache.Cache[json.RawMessage]) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithObserver attaches a metrics sink
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithClock overrides the time source used for metadata
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logging.OrNop(l) }
}

// New creates a pipeline in front of compute
func New(compute Computer, opts ...Option) (*Pipeline, error) {
	if compute == nil {
		return nil, errors.New("pipeline requires a compute backend")
	}
	p := &Pipeline{
		compute:  compute,
		observer: nopObserver{},
		clock:    clock.Real{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Handle processes req. Auth and admission failures end the request
// before the compute backend is reached. Compute errors are returned
// unchanged in Response.Err.
func (p *Pipeline) Handle(ctx context.Context, req Request) *Response {
	resp := &Response{Meta: p.initialMeta(req.RequestID)}
	resp.enter(StateReceived)

	identity, err := p.authenticate(req)
	if err != nil {
		return p.finish(resp, err)
	}
	resp.Identity = identity
	resp.enter(StateAuthenticated)

	if err := p.admit(ctx, identity, resp); err != nil {
		return p.finish(resp, err)
	}
	resp.enter(StateAdmitted)

	value, status, err := p.resolve(ctx, req)
	resp.Meta.CacheStatus = status
	p.observer.CacheLookup(req.Operation, string(status))
	if err != nil {
		p.observer.Error(ErrorType(err))
		p.logger.Warn("compute failed",
			zap.String("request_id", resp.Meta.RequestID),
			zap.String("operation", req.Operation),
			zap.String("identity", identity.Display),
			zap.Error(err),
		)
		return p.finish(resp, err)
	}
	resp.Value = value
	resp.enter(StateResolved)
	return p.finish(resp, nil)
}

func (p *Pipeline) initialMeta(requestID string) Metadata {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	meta := Metadata{RequestID: requestID, CacheStatus: cache.StatusBypass}
	if p.limiter != nil {
		// Nothing has been consumed yet.
		meta.RateLimited = true
		meta.Limit = p.limiter.Limit()
		meta.Remaining = int(p.limiter.Capacity())
		meta.Reset = p.clock.Now().Unix()
	}
	return meta
}

func (p *Pipeline) finish(resp *Response, err error) *Response {
	resp.Err = err
	resp.enter(StateResponded)
	return resp
}

func (p *Pipeline) authenticate(req Request) (auth.Identity, error) {
	if p.gate == nil {
		return auth.AddressIdentity(req.RemoteAddr), nil
	}

	identity, err := p.gate.Validate(req.Credential, req.RemoteAddr)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, auth.ErrMissingCredential) {
			reason = "missing"
		}
		p.observer.AuthFailed(reason)
		p.logger.Info("authentication failed",
			zap.String("reason", reason),
			zap.String("credential", auth.Mask(req.Credential)),
			zap.String("remote_addr", req.RemoteAddr),
		)
		return auth.Identity{}, err
	}
	return identity, nil
}

func (p *Pipeline) admit(ctx context.Context, identity auth.Identity, resp *Response) error {
	if p.limiter == nil {
		return nil
	}

	dec, err := p.limiter.Admit(ctx, identity.Value)
	resp.Meta.applyDecision(dec)
	if errors.Is(err, ratelimit.ErrLimiterUnavailable) {
		p.observer.Error("rate_limiter_unavailable")
		return err
	}
	p.observer.Admission(dec.Allowed, dec.Degraded)
	if err != nil {
		p.logger.Info("rate limit exceeded",
			zap.String("identity", identity.Display),
			zap.Int("retry_after", dec.RetryAfterSeconds()),
		)
		return err
	}
	return nil
}

func (p *Pipeline) resolve(ctx context.Context, req Request) (json.RawMessage, cache.Status, error) {
	compute := func(ctx context.Context) (json.RawMessage, error) {
		return p.compute.Compute(ctx, req.Operation, req.Params)
	}

	if p.cache == nil {
		v, err := compute(ctx)
		return v, cache.StatusBypass, err
	}

	key, err := cache.Key(req.Operation, req.Params)
	if err != nil {
		p.logger.Warn("cache key derivation failed, bypassing cache",
			zap.String("operation", req.Operation),
			zap.Error(err),
		)
		v, err := compute(ctx)
		return v, cache.StatusBypass, err
	}

	v, status, err := p.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return nil, cache.StatusMiss, err
	}
	return v, status, nil
}

// ErrorType classifies err for metrics and structured error bodies
func ErrorType(err error) string {
	var typed interface{ ErrorType() string }
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrMissingCredential):
		return "missing_api_key"
	case errors.Is(err, auth.ErrInvalidCredential):
		return "invalid_api_key"
	case errors.Is(err, ratelimit.ErrRateLimitExceeded):
		return "rate_limit_exceeded"
	case errors.Is(err, ratelimit.ErrLimiterUnavailable):
		return "rate_limiter_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &typed):
		return typed.ErrorType()
	default:
		return "compute_error"
	}
}

type nopObserver struct{}

func (nopObserver) AuthFailed(string)          {}
func (nopObserver) Admission(bool, bool)       {}
func (nopObserver) CacheLookup(string, string) {}
func (nopObserver) Error(string)               {}
