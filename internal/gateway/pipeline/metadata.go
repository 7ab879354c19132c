package pipeline

import (
	"strconv"

	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/pricewatch-gateway/internal/gateway/ratelimit"
)

// Metadata keys emitted with every response
const (
	MetaRateLimitLimit     = "rate_limit_limit"
	MetaRateLimitRemaining = "rate_limit_remaining"
	MetaRateLimitReset     = "rate_limit_reset"
	MetaRetryAfter         = "retry_after"
	MetaCacheStatus        = "cache_status"
	MetaRequestID          = "request_id"
)

// Metadata is the observability data attached to a response.
type Metadata struct {
	RequestID   string
	CacheStatus cache.Status

	// RateLimited is false when no limiter is configured; the quota
	// fields are then meaningless.
	RateLimited bool
	Limit       int
	Remaining   int
	// Reset is in epoch seconds.
	Reset int64
	// RetryAfter is in whole seconds and only set on denial.
	RetryAfter int
	Degraded   bool
}

func (m *Metadata) applyDecision(d ratelimit.Decision) {
	m.RateLimited = true
	m.Limit = d.Limit
	m.Remaining = d.Remaining
	m.Degraded = d.Degraded
	if !d.ResetAt.IsZero() {
		m.Reset = d.ResetAt.Unix()
	}
	if !d.Allowed {
		m.RetryAfter = d.RetryAfterSeconds()
	}
}

// Map renders the metadata with its wire keys
func (m Metadata) Map() map[string]string {
	out := map[string]string{
		MetaRequestID:   m.RequestID,
		MetaCacheStatus: string(m.CacheStatus),
	}
	if m.RateLimited {
		out[MetaRateLimitLimit] = strconv.Itoa(m.Limit)
		out[MetaRateLimitRemaining] = strconv.Itoa(m.Remaining)
		out[MetaRateLimitReset] = strconv.FormatInt(m.Reset, 10)
	}
	if m.RetryAfter > 0 {
		out[MetaRetryAfter] = strconv.Itoa(m.RetryAfter)
	}
	return out
}
