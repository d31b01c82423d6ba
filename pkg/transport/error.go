package transport

import "fmt"

// Error code constants.
const (
	CodeRateLimited  = "RATE_LIMITED"
	CodeServerError  = "SERVER_ERROR"
	CodeTimeout      = "TIMEOUT"
	CodeHTTPError    = "HTTP_ERROR"
	CodeDecodeError  = "DECODE_ERROR"
	CodeNetworkError = "NETWORK_ERROR"
)

// Error is the structured failure every transport call surfaces. It carries
// enough context to trace the request through logs (correlation id) and to
// let callers distinguish transient from permanent failures (Retryable).
type Error struct {
	Code          string                 `json:"code"`
	Status        int                    `json:"status,omitempty"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlationId"`
	Retryable     bool                   `json:"retryable"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (status %d, correlation %s): %s", e.Code, e.Status, e.CorrelationID, e.Message)
	}
	return fmt.Sprintf("%s (correlation %s): %s", e.Code, e.CorrelationID, e.Message)
}

// retryableStatus reports whether an HTTP status is worth retrying:
// 429 (rate limited), 500, and the 502-504 gateway range.
func retryableStatus(status int) bool {
	return status == 429 || status == 500 || (status >= 502 && status <= 504)
}

func codeForStatus(status int) string {
	switch {
	case status == 429:
		return CodeRateLimited
	case status >= 500:
		return CodeServerError
	default:
		return CodeHTTPError
	}
}
