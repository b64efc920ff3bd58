// Package answer talks to the external answer service: POST /answer with the
// prompt and relay context, GET /health for diagnostics.
package answer

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

	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

const (
	DefaultTimeout = 20 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL         string
	Secret          string // sent verbatim in X-Auth
	Timeout         time.Duration
	FallbackMessage string
	HTTPClient      *http.Client // optional
	Logger          *slog.Logger
}

// Client implements domain.Answerer against the HTTP answer service.
type Client struct {
	baseURL  string
	secret   string
	timeout  time.Duration
	fallback string
	http     *http.Client
	logger   *slog.Logger
}

var _ domain.Answerer = (*Client)(nil)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		secret:   cfg.Secret,
		timeout:  cfg.Timeout,
		fallback: cfg.FallbackMessage,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}
}

// Ask returns the service's answer for prompt. Every failure (network error,
// non-2xx status, timeout, malformed body) is logged and replaced by the
// fallback message; Ask never fails.
func (c *Client) Ask(ctx context.Context, prompt string, rc domain.RelayContext) string {
	start := time.Now()
	metrics.AnswerRequests.Inc()
	defer metrics.AnswerLatency.ObserveSince(start)

	answer, err := c.Answer(ctx, prompt, rc)
	if err != nil {
		metrics.AnswerFallbacks.Inc()
		c.logger.Error("answer service error",
			"err", err,
			"chat", rc.ChatID,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return c.fallback
	}
	return answer
}

// Answer performs a single request bounded by the client timeout and returns
// the trimmed answer field ("" when absent).
func (c *Client) Answer(ctx context.Context, prompt string, rc domain.RelayContext) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(domain.AnswerRequest{
		Text:    prompt,
		User:    rc.User,
		ChatID:  rc.ChatID,
		IsGroup: rc.IsGroup,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/answer", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Auth", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("no response within %s: %w", c.timeout, ctx.Err())
		}
		return "", fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 200)}
	}

	var parsed struct {
		Answer any `json:"answer"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(coerceString(parsed.Answer)), nil
}

// Health checks GET /health on the answer service.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Auth", c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// coerceString turns a decoded JSON value into text. Falsy values (null,
// false, 0, "") become "".
func coerceString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if !val {
			return ""
		}
		return "true"
	case float64:
		if val == 0 {
			return ""
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
