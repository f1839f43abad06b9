// Package invoke forwards routed requests to backend model deployments and
// feeds the results back into the directory (health, usage) and the budget
// ledger (actual spend).
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/catalog"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/tracing"
)

var (
	// ErrUnknownDeployment is returned when the named deployment is not in
	// the directory.
	ErrUnknownDeployment = errors.New("unknown deployment")
	// ErrBreakerOpen is returned when the deployment's circuit breaker is
	// rejecting requests.
	ErrBreakerOpen = errors.New("deployment circuit open")
)

// BackendError carries the status and body of a failed backend call.
type BackendError struct {
	Deployment string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s returned %d: %s", e.Deployment, e.StatusCode, e.Message)
}

// Client calls backend deployments over HTTP. One breaker per deployment
// keeps a failing backend from absorbing traffic while it recovers.
type Client struct {
	dir      *catalog.Directory
	policies *policy.Store
	logger   *slog.Logger
	http     *http.Client
	apiKey   string

	metrics *metrics.Registry
	bus     *events.Bus

	mu       sync.Mutex
	breakers map[string]*circuitbreaker.Breaker
}

// Option configures optional client collaborators.
type Option func(*Client)

// WithMetrics records invocation counters and latency.
func WithMetrics(m *metrics.Registry) Option { return func(c *Client) { c.metrics = m } }

// WithBus publishes invocation error events.
func WithBus(b *events.Bus) Option { return func(c *Client) { c.bus = b } }

// WithHTTPClient overrides the HTTP client, used by tests.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// NewClient creates an invocation client. The API key is sent on every
// backend request via the api-key header.
func NewClient(dir *catalog.Directory, policies *policy.Store, apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		dir:      dir,
		policies: policies,
		logger:   logger,
		apiKey:   apiKey,
		http: &http.Client{
			Timeout:   120 * time.Second,
			Transport: tracing.HTTPTransport(nil),
		},
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ChatCompletion forwards a chat request to the named deployment and records
// usage and actual spend on success.
func (c *Client) ChatCompletion(ctx context.Context, tenantID, deployment string, req ChatRequest) (*ChatResponse, error) {
	var resp ChatResponse
	usage, err := c.call(ctx, tenantID, deployment, "chat/completions", "chat", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Usage = usage
	return &resp, nil
}

// Embedding forwards an embeddings request to the named deployment and
// records usage and actual spend on success.
func (c *Client) Embedding(ctx context.Context, tenantID, deployment string, req EmbeddingRequest) (*EmbeddingResponse, error) {
	var resp EmbeddingResponse
	usage, err := c.call(ctx, tenantID, deployment, "embeddings", "embedding", req, &resp)
	if err != nil {
		return nil, err
	}
	resp.Usage = usage
	return &resp, nil
}

// call runs one backend request end to end: breaker gate, HTTP round trip,
// health and accounting updates. The response body is decoded into out,
// which must carry a Usage field returned separately for accounting.
func (c *Client) call(ctx context.Context, tenantID, deployment, path, operation string, body any, out any) (Usage, error) {
	dep, ok := c.dir.Get(deployment)
	if !ok {
		return Usage{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, deployment)
	}

	br := c.breaker(deployment)
	if !br.Allow() {
		return Usage{}, fmt.Errorf("%w: %s", ErrBreakerOpen, deployment)
	}

	u := fmt.Sprintf("%s/openai/deployments/%s/%s?api-version=%s",
		dep.Endpoint, url.PathEscape(dep.Name), path, url.QueryEscape(dep.APIVersion))

	payload, err := json.Marshal(body)
	if err != nil {
		return Usage{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return Usage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	latency := time.Since(start)

	if err != nil {
		c.failure(dep, operation, br, err)
		return Usage{}, fmt.Errorf("call %s: %w", deployment, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		c.failure(dep, operation, br, err)
		return Usage{}, fmt.Errorf("read response from %s: %w", deployment, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		berr := &BackendError{Deployment: deployment, StatusCode: httpResp.StatusCode}
		var envelope apiError
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			berr.Message = envelope.Error.Message
		} else {
			berr.Message = http.StatusText(httpResp.StatusCode)
		}
		c.failure(dep, operation, br, berr)
		return Usage{}, berr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.failure(dep, operation, br, err)
		return Usage{}, fmt.Errorf("decode response from %s: %w", deployment, err)
	}
	usage := extractUsage(raw)

	br.RecordSuccess()
	c.dir.RecordUsage(deployment, 1, int64(usage.TotalTokens))

	cost := c.dir.EstimateCost(deployment, usage.PromptTokens, usage.CompletionTokens)
	if cost > 0 {
		if err := c.policies.RecordSpend(ctx, tenantID, cost); err != nil {
			c.logger.Error("spend not recorded",
				slog.String("tenant", tenantID),
				slog.String("deployment", deployment),
				slog.String("error", err.Error()),
			)
		}
	}

	if c.metrics != nil {
		c.metrics.InvocationsTotal.WithLabelValues(deployment, operation, "ok").Inc()
		c.metrics.InvocationLatency.WithLabelValues(deployment, operation).Observe(float64(latency.Milliseconds()))
		c.metrics.SpendUSD.WithLabelValues(tenantID, deployment).Add(cost)
	}

	c.logger.Info("backend call completed",
		slog.String("tenant", tenantID),
		slog.String("deployment", deployment),
		slog.String("operation", operation),
		slog.Int64("latency_ms", latency.Milliseconds()),
		slog.Int("total_tokens", usage.TotalTokens),
		slog.Float64("cost_usd", cost),
	)
	return usage, nil
}

// failure records a failed call everywhere it matters: the breaker, the
// directory's health view, metrics, and the event bus. No retry happens
// here; the router will steer the next request around an unhealthy backend.
func (c *Client) failure(dep catalog.Deployment, operation string, br *circuitbreaker.Breaker, err error) {
	br.RecordFailure()
	c.dir.ReportHealth(dep.Name, catalog.HealthUnhealthy, dep.ErrorCount+1)

	if c.metrics != nil {
		c.metrics.InvocationsTotal.WithLabelValues(dep.Name, operation, "error").Inc()
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:       events.EventInvocationError,
			Deployment: dep.Name,
			ErrorMsg:   err.Error(),
		})
	}
	c.logger.Error("backend call failed",
		slog.String("deployment", dep.Name),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

func (c *Client) breaker(deployment string) *circuitbreaker.Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[deployment]
	if !ok {
		br = circuitbreaker.New(
			circuitbreaker.WithThreshold(3),
			circuitbreaker.WithCooldown(30*time.Second),
		)
		c.breakers[deployment] = br
	}
	return br
}

// extractUsage pulls the usage block out of the raw response so both chat
// and embedding responses share one accounting path.
func extractUsage(raw []byte) Usage {
	var probe struct {
		Usage Usage `json:"usage"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.Usage
}
