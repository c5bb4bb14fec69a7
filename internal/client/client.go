// Package client provides a resilient HTTP client for calling a single
// named peer service. It combines a circuit breaker with a rate-limited
// health probe and retrying writes, so a struggling peer is backed off
// instead of hammered.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/popeskul/modelserve/internal/breaker"
)

var (
	// ErrServiceUnavailable signals a circuit-open fast fail. The peer was
	// not contacted; callers should try later.
	ErrServiceUnavailable = errors.New("service unavailable: circuit breaker is open")

	// ErrPeerUnhealthy signals the health-probe gate rejected the call
	// because the peer's readiness endpoint is currently failing.
	ErrPeerUnhealthy = errors.New("peer service is unhealthy")
)

// timeoutLogInterval throttles timeout-class probe error logs.
const timeoutLogInterval = 30 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// Config holds per-peer client tuning parameters.
type Config struct {
	// BaseURL is the peer's root URL, without a trailing slash.
	BaseURL string

	// RequestTimeout bounds each individual HTTP attempt. Defaults to 30s.
	RequestTimeout time.Duration

	// HealthCheckInterval rate-limits readiness probes; within the
	// interval the last verdict is reused. Defaults to 10s.
	HealthCheckInterval time.Duration

	// HealthCheckTimeout bounds the readiness probe. Defaults to 5s.
	HealthCheckTimeout time.Duration

	// StartupGrace is a window after construction during which the peer is
	// assumed healthy without probing, since a freshly started peer is not
	// yet ready to be judged. Defaults to 30s; a negative value disables
	// the window.
	StartupGrace time.Duration

	// MaxRetries is the total number of POST attempts. Defaults to 3.
	MaxRetries int

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	// Defaults to 500ms.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff growth. Defaults to 10s.
	RetryMaxDelay time.Duration

	// Breaker configures the circuit breaker guarding this peer.
	Breaker breaker.Config
}

// Client is an HTTP client to one named peer service.
type Client struct {
	name    string
	baseURL string
	cfg     Config
	http    *http.Client
	circuit *breaker.Breaker
	logger  *zap.Logger

	mu             sync.Mutex
	lastProbeAt    time.Time
	lastHealthy    bool
	lastTimeoutLog time.Time
	startedAt      time.Time

	// probeMu serializes real probes so concurrent health checks collapse
	// into one request instead of racing on the cached verdict.
	probeMu sync.Mutex

	now func() time.Time
}

// New creates a client for the named peer. Zero config fields fall back to
// defaults.
func New(name string, cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.HealthCheckTimeout <= 0 {
		cfg.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.StartupGrace < 0 {
		cfg.StartupGrace = 0
	} else if cfg.StartupGrace == 0 {
		cfg.StartupGrace = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		cfg:     cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		circuit:   breaker.New(name, cfg.Breaker, logger),
		logger:    logger,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Name returns the peer service name.
func (c *Client) Name() string {
	return c.name
}

// Breaker exposes the circuit breaker for observability.
func (c *Client) Breaker() *breaker.Breaker {
	return c.circuit
}

// CheckHealth reports the peer's readiness. During the startup grace
// window it returns true without probing. Probes are rate-limited by
// HealthCheckInterval; within the interval the last verdict is returned.
func (c *Client) CheckHealth(ctx context.Context) bool {
	if healthy, ok := c.cachedVerdict(); ok {
		return healthy
	}

	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	// Another caller may have finished a probe while this one waited.
	if healthy, ok := c.cachedVerdict(); ok {
		return healthy
	}

	healthy := c.probe(ctx)

	c.mu.Lock()
	c.lastProbeAt = c.now()
	c.lastHealthy = healthy
	c.mu.Unlock()

	return healthy
}

// cachedVerdict returns the health verdict without probing: true during
// the startup grace window, the last result while it is still fresh, and
// ok=false when a real probe is due.
func (c *Client) cachedVerdict() (healthy, ok bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.startedAt) < c.cfg.StartupGrace {
		return true, true
	}
	if !c.lastProbeAt.IsZero() && now.Sub(c.lastProbeAt) < c.cfg.HealthCheckInterval {
		return c.lastHealthy, true
	}
	return false, false
}

// probe issues one readiness request and classifies the outcome.
func (c *Client) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/health/ready", nil)
	if err != nil {
		c.logger.Error("Failed to build health probe request",
			zap.String("peer", c.name),
			zap.Error(err),
		)
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logProbeError(err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Peer readiness probe returned non-200",
			zap.String("peer", c.name),
			zap.Int("status", resp.StatusCode),
		)
		return false
	}

	return true
}

// logProbeError logs timeout-class errors at most once per 30 seconds to
// avoid noise; everything else is always logged.
func (c *Client) logProbeError(err error) {
	if isTimeout(err) {
		c.mu.Lock()
		throttled := c.now().Sub(c.lastTimeoutLog) < timeoutLogInterval
		if !throttled {
			c.lastTimeoutLog = c.now()
		}
		c.mu.Unlock()
		if throttled {
			return
		}
		c.logger.Warn("Peer readiness probe timed out",
			zap.String("peer", c.name),
			zap.Error(err),
		)
		return
	}

	c.logger.Warn("Peer readiness probe failed",
		zap.String("peer", c.name),
		zap.Error(err),
	)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// PostJSON sends body as JSON to path with retries. Before attempting it
// checks both admission gates: the circuit breaker and the last health
// verdict. The whole retry sequence runs inside the circuit call, so an
// exhausted retry feeds the breaker's failure accounting exactly once.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	if !c.circuit.Allow() {
		return ErrServiceUnavailable
	}
	if !c.CheckHealth(ctx) {
		return fmt.Errorf("%w: %s", ErrPeerUnhealthy, c.name)
	}

	return c.circuit.Call(ctx, func(ctx context.Context) error {
		return c.postWithRetry(ctx, path, body, out)
	})
}

// GetJSON issues a single circuit-gated GET and decodes the response into
// out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	return c.circuit.Call(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, out)
	})
}

// Put issues a single circuit-gated PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body any) error {
	return c.circuit.Call(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodPut, path, body, nil)
	})
}

// Delete issues a single circuit-gated DELETE.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.circuit.Call(ctx, func(ctx context.Context) error {
		return c.do(ctx, http.MethodDelete, path, nil, nil)
	})
}

// do performs one HTTP attempt.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", c.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
