// Package pricing notifies the pricing service that a line item needs its
// unit price recomputed, and replays notifications that could not be
// delivered.
package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/resilience"
)

// Recalculator asks the pricing service to recompute a line item.
type Recalculator interface {
	Recalculate(ctx context.Context, req model.RecalcRequest) error
}

// ErrRecalcNotConfigured is reported when no pricing service is configured.
var ErrRecalcNotConfigured = eris.New("pricing: recalculation service not configured")

// Option configures the WebhookClient.
type Option func(*WebhookClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *WebhookClient) {
		c.http = hc
	}
}

// WithRetry sets the retry policy for a single notification.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *WebhookClient) {
		c.retry = cfg
	}
}

// WithBreaker sets the circuit breaker guarding the pricing service.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *WebhookClient) {
		c.breaker = cb
	}
}

// WithAuthToken sends a bearer token with every request.
func WithAuthToken(token string) Option {
	return func(c *WebhookClient) {
		c.token = token
	}
}

// WebhookClient posts recalculation requests to the pricing service.
type WebhookClient struct {
	url     string
	token   string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewWebhookClient creates a client for the pricing webhook at url.
func NewWebhookClient(url string, opts ...Option) *WebhookClient {
	c := &WebhookClient{
		url: url,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.ShouldTrip = resilience.IsTransient
		c.breaker = resilience.NewCircuitBreaker(cfg)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("pricing", "recalculate")
	}
	return c
}

// Breaker exposes the circuit breaker state for monitoring.
func (c *WebhookClient) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Recalculate posts req. Transient failures (timeouts, 408, 429, 5xx) are
// retried with backoff; an open circuit fails immediately.
func (c *WebhookClient) Recalculate(ctx context.Context, req model.RecalcRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return eris.Wrap(err, "pricing: marshal request")
	}

	err = resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.post(ctx, body)
		})
	})
	return eris.Wrapf(err, "pricing: recalculate %s", req.LineItemID)
}

func (c *WebhookClient) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "pricing: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "pricing: post"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := eris.Errorf("pricing: status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(statusErr, resp.StatusCode)
	}
	return statusErr
}
