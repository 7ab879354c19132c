package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Operations served by the model service
const (
	OpFairPrice = "fair_price"
	OpCards     = "cards"
)

// ErrUnknownOperation is returned for operations the model service does not serve
var ErrUnknownOperation = errors.New("unknown operation")

// maxBodyBytes caps how much of a model service response is read
const maxBodyBytes = 4 << 20

// UpstreamError carries a non-2xx answer from the model service.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model service error (status %d): %s", e.StatusCode, e.Body)
}

// ErrorType labels the error for metrics
func (e *UpstreamError) ErrorType() string { return "upstream_error" }

// Client calls the remote price-prediction service
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a model service client
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Compute runs operation on the model service and returns its JSON body
func (c *Client) Compute(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	switch operation {
	case OpFairPrice:
		return c.do(ctx, http.MethodPost, "/fair_price", params)
	case OpCards:
		return c.do(ctx, http.MethodGet, "/cards", nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
}

// Ping checks that the model service answers its health endpoint
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/health", nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("model service request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read model service response: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &UpstreamError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("model service returned invalid JSON")
	}
	return json.RawMessage(respBody), nil
}
