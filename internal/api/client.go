// Package api is the HTTP client for the MultiTask messaging REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/multitask/messenger/internal/metrics"
)

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 4 << 20

// ErrUnauthorized is matched by errors.Is for 401 responses.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s: status %d: %s", e.Op, e.Code, e.Body)
}

// Unwrap lets errors.Is(err, ErrUnauthorized) match 401 responses.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// Config holds REST client settings.
type Config struct {
	BaseURL string        // e.g. http://localhost:8000/api/messaging
	Timeout time.Duration // per-call budget (default: 10s)
}

// DefaultConfig returns the local development settings.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8000/api/messaging",
		Timeout: 10 * time.Second,
	}
}

// Client calls the messaging endpoints. It is safe for concurrent use.
type Client struct {
	base    string
	timeout time.Duration
	tokens  TokenSource
	http    *http.Client
	logger  *slog.Logger
}

// New creates a Client. A nil httpClient uses http.DefaultClient.
func New(cfg Config, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		tokens:  tokens,
		http:    httpClient,
		logger:  logger,
	}
}

// do performs one request. in, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded response. The HTTP status is returned for
// callers that distinguish between 2xx codes.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("api: %s: marshal: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("api: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.APIRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	metrics.APIRequestDuration.WithLabelValues(op, statusClass(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return resp.StatusCode, fmt.Errorf("api: %s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("[api] request failed", "op", op, "status", resp.StatusCode)
		return resp.StatusCode, &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("api: %s: decode: %w", op, err)
		}
	}
	return resp.StatusCode, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// decodeList accepts either a bare JSON array or a paginated
// {"results": [...]} object.
func decodeList[T any](data json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var page struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, err
	}
	return page.Results, nil
}
