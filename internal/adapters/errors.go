package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/relay/internal/retry"
)

// ErrorType categorizes adapter failures for retry decisions and reporting.
type ErrorType string

const (
	// ErrorTransient covers 5xx responses, timeouts and connection failures.
	ErrorTransient ErrorType = "transient"
	// ErrorRateLimited is a provider 429.
	ErrorRateLimited ErrorType = "rate_limited"
	// ErrorInvalidRequest is a non-retryable client error (4xx except 429).
	ErrorInvalidRequest ErrorType = "invalid_request"
	// ErrorCancelled means the call's context was cancelled or timed out.
	ErrorCancelled ErrorType = "cancelled"
	// ErrorInternal is a broker-side failure before or after the provider call.
	ErrorInternal ErrorType = "internal"
)

// IsRetryable reports whether another attempt may succeed.
func (t ErrorType) IsRetryable() bool {
	return t == ErrorTransient || t == ErrorRateLimited
}

// CallError is a classified adapter failure.
type CallError struct {
	Type     ErrorType
	Provider string
	Message  string
	Cause    error
}

func (e *CallError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("[%s:%s] %s", e.Provider, e.Type, msg)
}

func (e *CallError) Unwrap() error { return e.Cause }

// classify maps an HTTP status and underlying error to a CallError. ctx is
// the request context: a deadline error counts as caller cancellation only
// when ctx itself is done; otherwise it is a transient upstream timeout and
// stays retryable.
func classify(ctx context.Context, provider string, status int, err error) *CallError {
	ce := &CallError{Provider: provider, Cause: err}
	switch {
	case ctx != nil && ctx.Err() != nil:
		ce.Type = ErrorCancelled
	case errors.Is(err, context.Canceled):
		ce.Type = ErrorCancelled
	case status == 429:
		ce.Type = ErrorRateLimited
	case status >= 500:
		ce.Type = ErrorTransient
	case status >= 400:
		ce.Type = ErrorInvalidRequest
	case retry.IsTransientNet(err):
		ce.Type = ErrorTransient
	default:
		ce.Type = ErrorInternal
	}
	return ce
}

// asRetryErr wraps a classified error for the retry loop: only transient and
// rate-limited failures remain retryable.
func asRetryErr(ce *CallError) error {
	if ce.Type.IsRetryable() {
		return ce
	}
	return retry.Permanent(ce)
}
