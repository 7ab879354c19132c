package predictor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mrmushfiq/pricewatch-gateway/internal/shared/logging"
	"go.uber.org/zap"
)

// Pool manages model service replicas and fails over between them
type Pool struct {
	clients []*Client
	logger  *zap.Logger
}

// NewPool creates a client per base URL. Replicas are tried in order.
func NewPool(baseURLs []string, timeout time.Duration, logger *zap.Logger) (*Pool, error) {
	if len(baseURLs) == 0 {
		return nil, errors.New("at least one model service URL is required")
	}

	p := &Pool{logger: logging.OrNop(logger)}
	for _, u := range baseURLs {
		if _, err := url.ParseRequestURI(u); err != nil {
			return nil, fmt.Errorf("invalid model service URL %q: %w", u, err)
		}
		p.clients = append(p.clients, NewClient(u, timeout))
	}
	return p, nil
}

// Compute calls the first replica and moves down the list on retryable
// failures. The last replica's error is returned unchanged.
func (p *Pool) Compute(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	var lastErr error
	for i, c := range p.clients {
		resp, err := c.Compute(ctx, operation, params)
		if err == nil {
			if i > 0 {
				p.logger.Info("model service failover used", zap.String("replica", c.baseURL), zap.String("operation", operation))
			}
			return resp, nil
		}

		// Check if error is retryable (rate limit, transport, server error)
		if ctx.Err() != nil || !isRetryableError(err) {
			return nil, err
		}
		lastErr = err
		if i < len(p.clients)-1 {
			p.logger.Warn("model service replica failed, trying next",
				zap.String("replica", c.baseURL),
				zap.Error(err),
			)
		}
	}
	return nil, lastErr
}

// Ping succeeds when any replica is healthy
func (p *Pool) Ping(ctx context.Context) error {
	var errs []error
	for _, c := range p.clients {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// isRetryableError checks if an error should trigger failover
func isRetryableError(err error) bool {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.StatusCode == http.StatusTooManyRequests || upstream.StatusCode >= 500
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
