package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/szibis/crash-relay/internal/report"
)

// ErrorType classifies a delivery failure.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeouts, including HTTP 408.
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeTooLarge represents a payload the endpoint refuses to accept (413)
	ErrorTypeTooLarge ErrorType = "too_large"
	// ErrorTypeCircuitOpen represents a send skipped because the endpoint
	// circuit breaker is open.
	ErrorTypeCircuitOpen ErrorType = "circuit_open"
	// ErrorTypeCanceled represents a send abandoned by the caller.
	ErrorTypeCanceled ErrorType = "canceled"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// DeliveryError is the structured error returned by Sender.Send.
type DeliveryError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// StatusCode is the HTTP status code (0 for network errors).
	StatusCode int
	// Message is the response body or error detail from the endpoint.
	Message string
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Message != "" {
		return fmt.Sprintf("delivery failed: type=%s status=%d: %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("delivery failed: type=%s status=%d", e.Type, e.StatusCode)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the same report may succeed on a later attempt.
func (e *DeliveryError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit,
		ErrorTypeCircuitOpen, ErrorTypeCanceled, ErrorTypeUnknown:
		return true
	default:
		return false
	}
}

// Outcome maps the error onto the delivery outcome.
func (e *DeliveryError) Outcome() report.Outcome {
	if e.IsRetryable() {
		return report.Retryable
	}
	return report.Permanent
}

// Classify maps the result of a send onto a delivery outcome. Errors that
// are not a *DeliveryError are treated as transient.
func Classify(err error) report.Outcome {
	if err == nil {
		return report.Delivered
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Outcome()
	}
	return report.Retryable
}

// classifyError categorizes a transport error.
func classifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "timeout"),
		strings.Contains(errLower, "deadline exceeded"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused"),
		strings.Contains(errLower, "no such host"),
		strings.Contains(errLower, "network is unreachable"),
		strings.Contains(errLower, "connection reset"),
		strings.Contains(errLower, "broken pipe"),
		strings.Contains(errLower, "eof"):
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// classifyHTTPStatusCode categorizes a non-success HTTP status code.
func classifyHTTPStatusCode(statusCode int) ErrorType {
	switch {
	case statusCode == 408:
		return ErrorTypeTimeout
	case statusCode == 401 || statusCode == 403:
		return ErrorTypeAuth
	case statusCode == 413:
		return ErrorTypeTooLarge
	case statusCode == 429:
		return ErrorTypeRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorTypeClientError
	case statusCode >= 500:
		return ErrorTypeServerError
	default:
		return ErrorTypeUnknown
	}
}
