package transport

import (
	"time"

	"github.com/luxfi/log"
)

// RequestInfo is what observers see about a request. Header values shown
// here are already masked; credential material never reaches a hook or a
// log line unredacted.
type RequestInfo struct {
	Method        string
	URL           string
	CorrelationID string
	Attempt       int
	Headers       map[string]string
}

// Hooks are pure side-channel observers around each attempt. They must not
// affect control flow: a panicking hook is recovered and logged, and hook
// return values do not exist.
type Hooks struct {
	BeforeSend   func(RequestInfo)
	AfterSuccess func(RequestInfo, int, time.Duration)
	AfterError   func(RequestInfo, *Error, time.Duration)
}

// DefaultHooks logs method, URL, correlation id, duration and masked headers
// through the given logger.
func DefaultHooks(logger log.Logger) Hooks {
	return Hooks{
		BeforeSend: func(info RequestInfo) {
			logger.Debug("Request out",
				"method", info.Method,
				"url", info.URL,
				"correlationID", info.CorrelationID,
				"attempt", info.Attempt,
				"headers", info.Headers)
		},
		AfterSuccess: func(info RequestInfo, status int, elapsed time.Duration) {
			logger.Debug("Request done",
				"method", info.Method,
				"url", info.URL,
				"correlationID", info.CorrelationID,
				"status", status,
				"duration", elapsed)
		},
		AfterError: func(info RequestInfo, apiErr *Error, elapsed time.Duration) {
			logger.Warn("Request failed",
				"method", info.Method,
				"url", info.URL,
				"correlationID", info.CorrelationID,
				"code", apiErr.Code,
				"status", apiErr.Status,
				"retryable", apiErr.Retryable,
				"duration", elapsed)
		},
	}
}

func (c *Client) fireBeforeSend(info RequestInfo) {
	c.fire(func() {
		if c.hooks.BeforeSend != nil {
			c.hooks.BeforeSend(info)
		}
	})
}

func (c *Client) fireAfterSuccess(info RequestInfo, status int, elapsed time.Duration) {
	c.fire(func() {
		if c.hooks.AfterSuccess != nil {
			c.hooks.AfterSuccess(info, status, elapsed)
		}
	})
}

func (c *Client) fireAfterError(info RequestInfo, apiErr *Error, elapsed time.Duration) {
	c.fire(func() {
		if c.hooks.AfterError != nil {
			c.hooks.AfterError(info, apiErr, elapsed)
		}
	})
}

func (c *Client) fire(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Transport hook panicked", "panic", r)
		}
	}()
	fn()
}

// maskSecret redacts a credential value for logs and observers, keeping only
// the first and last four characters of sufficiently long values.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
