// Package api is the authenticated HTTP layer between the dashboard and
// the agent daemon. Every outbound call goes through Client, which attaches
// the bearer token and transparently recovers from a single 401 via a
// single-flight token refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/whytehoux-projecty/LAS/internal/auth"
	"github.com/whytehoux-projecty/LAS/internal/otel"
)

// Config holds the dependencies for the API client.
type Config struct {
	BaseURL string
	Tokens  *auth.TokenStore
	Session *auth.Session
	Logger  *slog.Logger
	Metrics *otel.Metrics // nil disables instrumentation
	Tracer  trace.Tracer  // nil disables spans
	// Timeout bounds each attempt. Zero means no timeout.
	Timeout time.Duration
}

// Client wraps all outbound daemon calls.
type Client struct {
	baseURL string
	httpc   *http.Client
	// streamc has no timeout; it carries the long-lived push channel.
	streamc *http.Client
	tokens  *auth.TokenStore
	session *auth.Session
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	refreshMu sync.Mutex
	refresh   *refreshOp
}

// refreshOp is the single in-flight refresh; concurrent 401 handlers wait
// on done and share err instead of starting their own refresh.
type refreshOp struct {
	done chan struct{}
	err  error
}

// New creates a Client. Logger falls back to slog.Default.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: cfg.Timeout},
		streamc: &http.Client{},
		tokens:  cfg.Tokens,
		session: cfg.Session,
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
	}
}

// BaseURL returns the daemon base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// doJSON performs an authenticated JSON request. On a 401 it refreshes the
// token pair (single-flight) and resends the original request exactly once;
// a second 401 propagates as-is. All other failures propagate unchanged.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: marshal body: %w", method, path, err)
		}
	}

	data, err := c.doRaw(ctx, method, path, payload, "application/json", nil)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// doRaw is doJSON without response decoding; used for binary payloads.
// extra headers (may be nil) ride along on every attempt.
func (c *Client) doRaw(ctx context.Context, method, path string, payload []byte, contentType string, extra http.Header) ([]byte, error) {
	start := time.Now()
	retried := false

	var span trace.Span
	if c.tracer != nil {
		ctx, span = otel.StartClientSpan(ctx, c.tracer, method+" "+endpointLabel(path),
			otel.AttrEndpoint.String(endpointLabel(path)))
		defer span.End()
	}

	defer func() {
		if c.metrics != nil {
			c.metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("endpoint", endpointLabel(path))))
		}
	}()

	for {
		data, status, err := c.send(ctx, method, path, payload, contentType, extra)
		if err != nil {
			return nil, err
		}
		if span != nil {
			span.SetAttributes(otel.AttrStatusCode.Int(status), otel.AttrRetried.Bool(retried))
		}
		if status == http.StatusUnauthorized {
			if retried {
				// Already resent once after a refresh; never loop.
				return nil, &StatusError{Code: status, Endpoint: path, Body: string(data)}
			}
			retried = true
			if err := c.refreshTokens(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if status < 200 || status >= 300 {
			return nil, &StatusError{Code: status, Endpoint: path, Body: truncateBody(data)}
		}
		return data, nil
	}
}

// send performs one HTTP attempt, attaching the bearer token when present.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, contentType string, extra http.Header) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: build request: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", contentType)
	}
	for key, values := range extra {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if pair, ok, err := c.tokens.Get(ctx); err != nil {
		return nil, 0, fmt.Errorf("%s %s: read token store: %w", method, path, err)
	} else if ok {
		req.Header.Set("Authorization", "Bearer "+pair.Access)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: read response: %w", method, path, err)
	}
	return data, resp.StatusCode, nil
}

// refreshTokens exchanges the refresh token for a new pair. At most one
// refresh runs process-wide; concurrent callers wait for it and share its
// outcome. A refresh failure clears the pair and expires the session.
func (c *Client) refreshTokens(ctx context.Context) error {
	c.refreshMu.Lock()
	op := c.refresh
	if op != nil {
		c.refreshMu.Unlock()
		select {
		case <-op.done:
			return op.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	op = &refreshOp{done: make(chan struct{})}
	c.refresh = op
	c.refreshMu.Unlock()

	op.err = c.doRefresh(ctx)

	c.refreshMu.Lock()
	c.refresh = nil
	c.refreshMu.Unlock()
	close(op.done)

	return op.err
}

func (c *Client) doRefresh(ctx context.Context) error {
	if c.metrics != nil {
		c.metrics.TokenRefreshes.Add(ctx, 1)
	}

	pair, ok, err := c.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("refresh: read token store: %w", err)
	}
	if !ok {
		return c.terminate(ctx, "no refresh token held")
	}

	payload, _ := json.Marshal(map[string]string{"refresh_token": pair.Refresh})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/refresh", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return c.terminate(ctx, fmt.Sprintf("refresh call failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.terminate(ctx, fmt.Sprintf("refresh endpoint returned %d", resp.StatusCode))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("refresh: decode response: %w", err)
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return c.terminate(ctx, "refresh response missing token fields")
	}
	if err := c.tokens.Set(ctx, auth.TokenPair{Access: tr.AccessToken, Refresh: tr.RefreshToken}); err != nil {
		return fmt.Errorf("refresh: store pair: %w", err)
	}
	c.logger.Info("token pair refreshed")
	return nil
}

// terminate clears the pair and expires the session; the returned error is
// ErrSessionExpired so callers can distinguish it from transient failures.
func (c *Client) terminate(ctx context.Context, reason string) error {
	if c.metrics != nil {
		c.metrics.RefreshFailures.Add(ctx, 1)
	}
	if err := c.tokens.Clear(ctx); err != nil {
		c.logger.Error("clear token pair", "error", err)
	}
	if c.session != nil {
		c.session.Expire(reason)
	}
	c.logger.Warn("session terminated", "reason", reason)
	return fmt.Errorf("%w: %s", ErrSessionExpired, reason)
}

// endpointLabel strips query strings so metrics stay low-cardinality.
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func truncateBody(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
