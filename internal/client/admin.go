// Package client talks to a running pkgstore server's admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kilupskalvis/pkgstore/internal/server"
)

// RetryConfig configures retry behavior for transient errors on idempotent
// requests.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.25,
	}
}

// AdminClient calls the /admin endpoints with the server's admin token.
type AdminClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retry      *RetryConfig
}

// NewAdminClient creates an admin API client.
func NewAdminClient(baseURL, token string) *AdminClient {
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      DefaultRetryConfig(),
	}
}

// Insecure reports whether credentials travel over plain HTTP.
func (c *AdminClient) Insecure() bool {
	return strings.HasPrefix(c.baseURL, "http://")
}

// WithRetry replaces the retry configuration. A nil config disables retries.
func (c *AdminClient) WithRetry(cfg *RetryConfig) *AdminClient {
	if cfg == nil {
		cfg = &RetryConfig{}
	}
	c.retry = cfg
	return c
}

// RemoteError is a non-2xx response from the server.
type RemoteError struct {
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return &RemoteError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &RemoteError{Status: resp.StatusCode, Message: body.Error}
}

// isTransient returns true for errors that are worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Status >= 500 || re.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// backoff computes the delay for the given attempt with jitter.
func (c *AdminClient) backoff(attempt int) time.Duration {
	base := float64(c.retry.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(c.retry.MaxBackoff) {
		base = float64(c.retry.MaxBackoff)
	}
	jitter := base * c.retry.JitterFraction * (rand.Float64()*2 - 1)
	return max(time.Duration(base+jitter), 0)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doJSON sends reqBody as JSON and decodes a JSON response into respBody.
// GET and DELETE are retried on transient errors.
func (c *AdminClient) doJSON(ctx context.Context, method, path string, reqBody, respBody any) error {
	var data []byte
	if reqBody != nil {
		var err error
		if data, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet || method == http.MethodDelete {
		attempts += c.retry.MaxRetries
	}

	var err error
	for attempt := range attempts {
		if attempt > 0 {
			if serr := sleep(ctx, c.backoff(attempt-1)); serr != nil {
				return serr
			}
		}
		err = c.once(ctx, method, path, data, respBody)
		if !isTransient(err) {
			return err
		}
	}
	return err
}

func (c *AdminClient) once(ctx context.Context, method, path string, data []byte, respBody any) error {
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateToken calls POST /admin/tokens. The raw token is only available in
// the response.
func (c *AdminClient) CreateToken(ctx context.Context, desc string, owners []string, permission string) (*server.CreateTokenResponse, error) {
	req := server.CreateTokenRequest{Description: desc, Owners: owners, Permission: permission}
	var resp server.CreateTokenResponse
	if err := c.doJSON(ctx, http.MethodPost, "/admin/tokens", req, &resp); err != nil {
		return nil, fmt.Errorf("create token: %w", err)
	}
	return &resp, nil
}

// ListTokens calls GET /admin/tokens.
func (c *AdminClient) ListTokens(ctx context.Context) ([]server.TokenEntry, error) {
	var tokens []server.TokenEntry
	if err := c.doJSON(ctx, http.MethodGet, "/admin/tokens", nil, &tokens); err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// DeleteToken calls DELETE /admin/tokens/{id}.
func (c *AdminClient) DeleteToken(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/admin/tokens/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// GC calls POST /admin/gc. A zero grace uses the server's configured period.
func (c *AdminClient) GC(ctx context.Context, grace time.Duration) (*server.GCResult, error) {
	path := "/admin/gc"
	if grace > 0 {
		path += "?grace=" + url.QueryEscape(grace.String())
	}
	var result server.GCResult
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &result); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	return &result, nil
}

// Stats calls GET /admin/stats.
func (c *AdminClient) Stats(ctx context.Context) (*server.Stats, error) {
	var stats server.Stats
	if err := c.doJSON(ctx, http.MethodGet, "/admin/stats", nil, &stats); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return &stats, nil
}
