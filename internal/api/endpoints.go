package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/whytehoux-projecty/LAS/internal/auth"
)

// HealthStatus is the daemon liveness response.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// AnswerResponse is the latest agent output.
type AnswerResponse struct {
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`
	AgentName string `json:"agent_name"`
	Status    string `json:"status"`
	UID       string `json:"uid"`
}

// QueryRequest is the body for a submitted query.
type QueryRequest struct {
	Query      string `json:"query"`
	TTSEnabled bool   `json:"tts_enabled"`
}

// QueryResponse is the daemon's answer to a submitted query.
type QueryResponse struct {
	Answer    string `json:"answer"`
	Reasoning string `json:"reasoning"`
	AgentName string `json:"agent_name"`
	Status    string `json:"status"`
	UID       string `json:"uid"`
}

// User is the authenticated user profile.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

// tokenResponse mirrors the auth endpoints' token payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Health probes daemon liveness.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.doJSON(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestAnswer fetches the most recent agent output. An empty answer means
// the agent has produced nothing new.
func (c *Client) LatestAnswer(ctx context.Context) (*AnswerResponse, error) {
	var out AnswerResponse
	if err := c.doJSON(ctx, http.MethodGet, "/latest_answer", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Screenshot fetches the latest visual snapshot as raw bytes. The timestamp
// query defeats intermediary caching.
func (c *Client) Screenshot(ctx context.Context, timestamp int64) ([]byte, error) {
	path := fmt.Sprintf("/screenshots/updated_screen.png?timestamp=%d", timestamp)
	return c.doRaw(ctx, http.MethodGet, path, nil, "", nil)
}

// SubmitQuery sends a user query. The correlation header lets the daemon
// tie stream events back to this request.
func (c *Client) SubmitQuery(ctx context.Context, query string, ttsEnabled bool) (*QueryResponse, string, error) {
	correlationID := uuid.New().String()
	payload, err := json.Marshal(QueryRequest{Query: query, TTSEnabled: ttsEnabled})
	if err != nil {
		return nil, "", fmt.Errorf("POST /query: marshal body: %w", err)
	}
	hdr := http.Header{"X-Correlation-ID": {correlationID}}
	data, err := c.doRaw(ctx, http.MethodPost, "/query", payload, "application/json", hdr)
	if err != nil {
		return nil, correlationID, err
	}
	var out QueryResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, correlationID, fmt.Errorf("POST /query: decode response: %w", err)
	}
	return &out, correlationID, nil
}

// OpenStream opens the long-lived push channel and returns its body. The
// per-request timeout does not apply; the body stays open until the caller
// closes it. A 401 triggers one refresh-and-retry like every other call.
func (c *Client) OpenStream(ctx context.Context) (io.ReadCloser, error) {
	retried := false
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stream", nil)
		if err != nil {
			return nil, fmt.Errorf("GET /stream: build request: %w", err)
		}
		req.Header.Set("Accept", "application/x-ndjson")
		if pair, ok, err := c.tokens.Get(ctx); err != nil {
			return nil, fmt.Errorf("GET /stream: read token store: %w", err)
		} else if ok {
			req.Header.Set("Authorization", "Bearer "+pair.Access)
		}

		resp, err := c.streamc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET /stream: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && !retried {
			resp.Body.Close()
			retried = true
			if err := c.refreshTokens(ctx); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Endpoint: "/stream"}
		}
		return resp.Body, nil
	}
}

// Stop requests cancellation of the current agent run.
func (c *Client) Stop(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/stop", nil, nil)
}

// Login exchanges credentials for a token pair, installs it, and marks the
// session authenticated.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var tr tokenResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/auth/login", body, &tr); err != nil {
		return err
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return fmt.Errorf("login: response missing token fields")
	}
	if err := c.tokens.Set(ctx, auth.TokenPair{Access: tr.AccessToken, Refresh: tr.RefreshToken}); err != nil {
		return fmt.Errorf("login: store pair: %w", err)
	}
	if c.session != nil {
		c.session.MarkAuthenticated()
	}
	return nil
}

// Register creates a new account. It does not log in.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	body := map[string]string{"username": username, "email": email, "password": password}
	return c.doJSON(ctx, http.MethodPost, "/v1/auth/register", body, nil)
}

// Logout invalidates the tokens server-side, then clears them locally. The
// local clear happens even when the server call fails: a logout must always
// leave the client anonymous.
func (c *Client) Logout(ctx context.Context) error {
	serverErr := c.doJSON(ctx, http.MethodPost, "/v1/auth/logout", nil, nil)
	if err := c.tokens.Clear(ctx); err != nil {
		return fmt.Errorf("logout: clear pair: %w", err)
	}
	if c.session != nil {
		c.session.Expire("logged out")
	}
	return serverErr
}

// Me fetches the current user profile. With no stored pair the call fails
// fast with ErrNotAuthenticated instead of a guaranteed 401 round trip.
func (c *Client) Me(ctx context.Context) (*User, error) {
	if _, ok, err := c.tokens.Get(ctx); err != nil {
		return nil, fmt.Errorf("GET /v1/auth/me: read token store: %w", err)
	} else if !ok {
		return nil, ErrNotAuthenticated
	}
	var out User
	if err := c.doJSON(ctx, http.MethodGet, "/v1/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
