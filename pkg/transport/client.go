// Package transport issues authenticated HTTP calls against the upstream
// trading API with per-request correlation ids, bounded exponential-backoff
// retry for transient failures, and structured error reporting. It carries
// no business logic; the poller, the order executor and anything else that
// talks upstream goes through it.
package transport

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

	"github.com/google/uuid"
	"github.com/luxfi/log"
)

const (
	headerCorrelationID = "X-Request-ID"
	headerAPIKey        = "X-API-Key"
	headerAPISecret     = "X-API-Secret"
)

// Config holds transport configuration.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string

	// Timeout bounds each individual attempt, not the whole retry sequence.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt, so the
	// default of 3 allows up to 4 attempts total.
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Client is an authenticated HTTP client for the upstream trading API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger log.Logger
	hooks  Hooks
}

// NewClient creates a transport client. A zero Timeout, MaxRetries or
// RetryDelay falls back to the default.
func NewClient(cfg Config, logger log.Logger) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
	c.hooks = DefaultHooks(logger)
	return c
}

// SetHooks replaces the observer hooks. Hooks are side-channel only and
// cannot affect request control flow.
func (c *Client) SetHooks(h Hooks) {
	c.hooks = h
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, endpoint string, out interface{}) error {
	return c.Do(ctx, http.MethodGet, endpoint, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, endpoint string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPost, endpoint, body, out)
}

// Put issues a PUT with a JSON body and decodes the response into out.
func (c *Client) Put(ctx context.Context, endpoint string, body, out interface{}) error {
	return c.Do(ctx, http.MethodPut, endpoint, body, out)
}

// Delete issues a DELETE and decodes the JSON response into out.
func (c *Client) Delete(ctx context.Context, endpoint string, out interface{}) error {
	return c.Do(ctx, http.MethodDelete, endpoint, nil, out)
}

// Do performs one logical request: up to 1+MaxRetries attempts, each with a
// fresh per-attempt timeout, retrying only the transient class (429, 500,
// 502-504, timeouts, connection errors). Non-retryable failures and retry
// exhaustion both surface as *Error.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	correlationID := uuid.NewString()
	url := c.cfg.BaseURL + "/" + strings.TrimPrefix(endpoint, "/")

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return &Error{
				Code:          CodeDecodeError,
				Message:       fmt.Sprintf("encode request body: %v", err),
				CorrelationID: correlationID,
			}
		}
	}

	var lastErr *Error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.backoff(ctx, attempt-1); err != nil {
				return lastErr
			}
		}

		apiErr := c.attempt(ctx, method, url, correlationID, attempt, payload, out)
		if apiErr == nil {
			return nil
		}
		lastErr = apiErr
		if !apiErr.Retryable {
			return apiErr
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, url, correlationID string, attempt int, payload []byte, out interface{}) *Error {
	info := RequestInfo{
		Method:        method,
		URL:           url,
		CorrelationID: correlationID,
		Attempt:       attempt,
		Headers: map[string]string{
			headerCorrelationID: correlationID,
			headerAPIKey:        maskSecret(c.cfg.APIKey),
			headerAPISecret:     maskSecret(c.cfg.APISecret),
		},
	}
	c.fireBeforeSend(info)

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		apiErr := &Error{
			Code:          CodeNetworkError,
			Message:       err.Error(),
			CorrelationID: correlationID,
		}
		c.fireAfterError(info, apiErr, 0)
		return apiErr
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerCorrelationID, correlationID)
	if c.cfg.APIKey != "" {
		req.Header.Set(headerAPIKey, c.cfg.APIKey)
	}
	if c.cfg.APISecret != "" {
		req.Header.Set(headerAPISecret, c.cfg.APISecret)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		apiErr := c.classifyTransportError(err, correlationID)
		c.fireAfterError(info, apiErr, elapsed)
		return apiErr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		apiErr := c.classifyTransportError(err, correlationID)
		c.fireAfterError(info, apiErr, elapsed)
		return apiErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := c.errorFromResponse(resp.StatusCode, data, correlationID)
		c.fireAfterError(info, apiErr, elapsed)
		return apiErr
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			// A 2xx body that is not valid JSON breaks the upstream
			// contract; never retried.
			apiErr := &Error{
				Code:          CodeDecodeError,
				Status:        resp.StatusCode,
				Message:       fmt.Sprintf("decode response body: %v", err),
				CorrelationID: correlationID,
			}
			c.fireAfterError(info, apiErr, elapsed)
			return apiErr
		}
	}

	c.fireAfterSuccess(info, resp.StatusCode, elapsed)
	return nil
}

// errorFromResponse converts a non-2xx response into a structured error. An
// error body that fails to parse as JSON falls back to the HTTP status text.
func (c *Client) errorFromResponse(status int, body []byte, correlationID string) *Error {
	apiErr := &Error{
		Code:          codeForStatus(status),
		Status:        status,
		Message:       http.StatusText(status),
		CorrelationID: correlationID,
		Retryable:     retryableStatus(status),
	}

	var upstream struct {
		Message string                 `json:"message"`
		Error   string                 `json:"error"`
		Details map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal(body, &upstream); err == nil {
		if upstream.Message != "" {
			apiErr.Message = upstream.Message
		} else if upstream.Error != "" {
			apiErr.Message = upstream.Error
		}
		apiErr.Details = upstream.Details
	}
	return apiErr
}

// classifyTransportError maps low-level request failures: deadline
// expiry counts as a transient, retryable timeout.
func (c *Client) classifyTransportError(err error, correlationID string) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Code:          CodeTimeout,
			Message:       "request timed out",
			CorrelationID: correlationID,
			Retryable:     true,
		}
	}
	return &Error{
		Code:          CodeNetworkError,
		Message:       err.Error(),
		CorrelationID: correlationID,
		Retryable:     true,
	}
}

// backoff waits RetryDelay * 2^attempt, or returns early when the caller's
// context is cancelled.
func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.cfg.RetryDelay * (1 << attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
