package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/clock"
	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"go.uber.org/zap"
)

var (
	// ErrRateLimitExceeded is returned alongside a denied Decision
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrLimiterUnavailable is returned when the store fails and the
	// limiter is configured to fail closed
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the request was let
	// through without being counted.
	Degraded bool
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// Config holds the limiter parameters
type Config struct {
	RequestsPerMinute int
	// Burst is the bucket capacity. Zero means RequestsPerMinute.
	Burst int
	// FailOpen admits requests when the store is unreachable.
	FailOpen bool
}

// Limiter is a continuous token bucket per identity.
type Limiter struct {
	store    CounterStore
	clock    clock.Clock
	logger   *zap.Logger
	rpm      int
	capacity float64
	rate     float64 // tokens per second
	failOpen bool
}

// New creates a limiter over store
func New(cfg Config, store CounterStore, clk clock.Clock, logger *zap.Logger) (*Limiter, error) {
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("requests per minute must be > 0, got %d", cfg.RequestsPerMinute)
	}
	if cfg.Burst == 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.Burst < 0 {
		return nil, fmt.Errorf("burst must be > 0, got %d", cfg.Burst)
	}
	if store == nil {
		return nil, errors.New("counter store is required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		store:    store,
		clock:    clk,
		logger:   logging.OrNop(logger),
		rpm:      cfg.RequestsPerMinute,
		capacity: float64(cfg.Burst),
		rate:     float64(cfg.RequestsPerMinute) / 60.0,
		failOpen: cfg.FailOpen,
	}, nil
}

// Limit returns the configured requests per minute
func (l *Limiter) Limit() int { return l.rpm }

// Capacity returns the bucket size
func (l *Limiter) Capacity() float64 { return l.capacity }

// RefillRate returns tokens added per second
func (l *Limiter) RefillRate() float64 { return l.rate }

// Store returns the backing store
func (l *Limiter) Store() CounterStore { return l.store }

// Admit consumes one token for identity if one is available. A denial
// returns ErrRateLimitExceeded with the decision filled in. Admit never
// waits for tokens.
func (l *Limiter) Admit(ctx context.Context, identity string) (Decision, error) {
	now := l.clock.Now()

	var dec Decision
	_, err := l.store.Update(ctx, identity, func(b Bucket, found bool) Bucket {
		next, d := l.step(b, found, now)
		dec = d
		return next
	})
	if errors.Is(err, ErrContention) {
		// The bucket is hot, not unreachable. Letting the request through
		// uncounted would bypass the limit.
		l.logger.Warn("rate limit store contention, denying request",
			zap.String("store", l.store.Name()),
			zap.String("identity", identity),
		)
		wait := seconds(1 / l.rate)
		return Decision{
			Limit:      l.rpm,
			ResetAt:    now.Add(wait),
			RetryAfter: wait,
		}, ErrRateLimitExceeded
	}
	if err != nil {
		if l.failOpen {
			l.logger.Warn("rate limit store unavailable, admitting request",
				zap.String("store", l.store.Name()),
				zap.Error(err),
			)
			return Decision{
				Allowed:   true,
				Limit:     l.rpm,
				Remaining: int(l.capacity),
				ResetAt:   now,
				Degraded:  true,
			}, nil
		}
		return Decision{Limit: l.rpm}, fmt.Errorf("%w: %v", ErrLimiterUnavailable, err)
	}

	if !dec.Allowed {
		return dec, ErrRateLimitExceeded
	}
	return dec, nil
}

// Reset forgets identity's bucket
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	return l.store.Reset(ctx, identity)
}

// step refills b up to now and tries to take one token.
func (l *Limiter) step(b Bucket, found bool, now time.Time) (Bucket, Decision) {
	if !found {
		b = Bucket{Tokens: l.capacity, LastRefill: now}
	}

	// A clock reading behind LastRefill (skew between replicas) refills
	// nothing and keeps LastRefill where it is.
	if now.After(b.LastRefill) {
		elapsed := now.Sub(b.LastRefill).Seconds()
		b.Tokens = math.Min(l.capacity, b.Tokens+elapsed*l.rate)
		b.LastRefill = now
	}
	b.Tokens = math.Max(0, math.Min(l.capacity, b.Tokens))

	dec := Decision{Limit: l.rpm}
	if b.Tokens >= 1-tokenEpsilon {
		b.Tokens = math.Max(0, b.Tokens-1)
		dec.Allowed = true
		dec.Remaining = int(math.Floor(b.Tokens))
		dec.ResetAt = now.Add(seconds((l.capacity - b.Tokens) / l.rate))
		return b, dec
	}

	dec.RetryAfter = seconds((1 - b.Tokens) / l.rate)
	dec.ResetAt = now.Add(seconds((l.capacity - b.Tokens) / l.rate))
	return b, dec
}

// tokenEpsilon absorbs float error when a caller returns exactly at
// RetryAfter.
const tokenEpsilon = 1e-9

// seconds rounds up to the next nanosecond so a wait of seconds(s) is
// never shorter than s.
func seconds(s float64) time.Duration {
	return time.Duration(math.Ceil(s * float64(time.Second)))
}
