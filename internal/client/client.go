// Package client implements the outbound HTTP path to agent services: JSON
// POST with per-agent timeout profiles, capped exponential retry, and a
// per-agent circuit breaker in front of the network.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/convoy-dev/convoy/internal/registry"
	"github.com/convoy-dev/convoy/pkg/observability"
)

// Response is a decoded agent reply.
type Response struct {
	StatusCode int
	Payload    map[string]any
}

// Client calls agent services. One instance is shared across all agents and
// conversations; the underlying transport bounds total connections.
type Client struct {
	registry  *registry.Registry
	breaker   *Breaker
	metrics   *observability.Metrics
	log       zerolog.Logger
	limiter   *rate.Limiter
	http      *http.Client
	baseDelay time.Duration
}

// Options configures a Client. Breaker, Metrics and Limiter may be nil.
type Options struct {
	Registry *registry.Registry
	Breaker  *Breaker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger
	// MaxConns bounds total outbound connections (default 200).
	MaxConns int
	// MaxIdleConns bounds kept-alive connections (default 50).
	MaxIdleConns int
	// BaseDelay is the first retry backoff (default 500ms).
	BaseDelay time.Duration
	// RateLimit optionally caps outbound calls per second (0 = unlimited).
	RateLimit float64
	RateBurst int
}

// New creates a service client with a shared bounded transport.
func New(opts Options) *Client {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 200
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 50
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	connect := opts.Registry.DefaultProfile().Connect
	if connect <= 0 {
		connect = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     maxConns,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit)
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return &Client{
		registry:  opts.Registry,
		breaker:   opts.Breaker,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		limiter:   limiter,
		http:      &http.Client{Transport: transport},
		baseDelay: baseDelay,
	}
}

// Call posts the payload to the agent's process endpoint. Retryable failures
// (5xx, timeout, refused connection) are retried up to the agent's retry
// budget with exponential backoff; terminal rejections return immediately.
func (c *Client) Call(ctx context.Context, agent string, payload any) (*Response, error) {
	desc, ok := c.registry.Lookup(agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	if c.breaker != nil {
		if err := c.breaker.Allow(agent); err != nil {
			c.recordCall(agent, "circuit_open", 0)
			return nil, err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		// Local failure, nothing reached the network: no breaker outcome,
		// but give back the half-open trial slot if Allow handed us one.
		if c.breaker != nil {
			c.breaker.releaseTrial(agent)
		}
		return nil, fmt.Errorf("encode payload for %s: %w", agent, err)
	}

	start := time.Now()
	resp, err := c.callWithRetry(ctx, desc, body)
	elapsed := time.Since(start)

	switch err.(type) {
	case nil:
		c.reportOutcome(agent, true)
		c.recordCall(agent, "success", elapsed)
	case *ValidationError, *ProtocolError:
		// The service answered; the request was the problem. Not a breaker
		// failure.
		c.reportOutcome(agent, true)
		c.recordCall(agent, "rejected", elapsed)
	default:
		c.reportOutcome(agent, false)
		c.recordCall(agent, "unavailable", elapsed)
	}
	return resp, err
}

func (c *Client) callWithRetry(ctx context.Context, desc *registry.AgentDescriptor, body []byte) (*Response, error) {
	attempts := desc.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay << (attempt - 2)
			select {
			case <-ctx.Done():
				return nil, &ServiceUnavailableError{Agent: desc.Name, Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(delay):
			}
			if c.metrics != nil {
				c.metrics.RecordAgentRetry(desc.Name)
			}
			c.log.Debug().Str("agent", desc.Name).Int("attempt", attempt).
				Dur("backoff", delay).Msg("retrying agent call")
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, &ServiceUnavailableError{Agent: desc.Name, Attempts: attempt - 1, Err: err}
			}
		}

		resp, retryable, err := c.attempt(ctx, desc, body)
		if err == nil {
			return resp, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ServiceUnavailableError{Agent: desc.Name, Attempts: attempts, Err: lastErr}
}

// attempt performs one HTTP exchange. The boolean reports whether the failure
// is retryable.
func (c *Client) attempt(ctx context.Context, desc *registry.AgentDescriptor, body []byte) (*Response, bool, error) {
	callCtx := ctx
	if read := desc.Timeouts.Read; read > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, read)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, desc.ProcessURL(), bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// Timeouts and refused connections are transient.
		return nil, true, fmt.Errorf("call %s: %w", desc.Name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, true, fmt.Errorf("read %s response: %w", desc.Name, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		payload := make(map[string]any)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &payload); err != nil {
				return nil, false, &ProtocolError{Agent: desc.Name, Err: err}
			}
		}
		return &Response{StatusCode: resp.StatusCode, Payload: payload}, false, nil

	case isTerminalStatus(resp.StatusCode):
		ve := &ValidationError{Agent: desc.Name, StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusUnprocessableEntity {
			var detail struct {
				Detail any `json:"detail"`
			}
			if json.Unmarshal(data, &detail) == nil && detail.Detail != nil {
				ve.Detail = fmt.Sprintf("%v", detail.Detail)
			}
		}
		return nil, false, ve

	default:
		return nil, true, fmt.Errorf("call %s: status %d", desc.Name, resp.StatusCode)
	}
}

// isTerminalStatus reports 4xx codes that retrying cannot fix.
func isTerminalStatus(code int) bool {
	switch code {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (c *Client) reportOutcome(agent string, success bool) {
	if c.breaker == nil {
		return
	}
	if success {
		c.breaker.RecordSuccess(agent)
	} else {
		c.breaker.RecordFailure(agent)
	}
}

func (c *Client) recordCall(agent, status string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordAgentCall(agent, status, elapsed)
	}
}
