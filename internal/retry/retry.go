// Package retry implements bounded exponential backoff for upstream provider
// calls. Transient failures (5xx, 429, timeouts) are retried; fatal client
// errors are marked permanent and returned immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the exponential backoff multiplier.
	Factor float64
	// Jitter randomizes each delay in [0.5, 1.5] of its nominal value.
	Jitter bool
}

// DefaultConfig returns the retry settings used by provider adapters unless
// overridden in configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result reports the outcome of a retried operation.
type Result struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Do executes op with retries. It stops early on success, on a permanent
// error, or when ctx is done. The context is checked before each attempt and
// honored during backoff sleeps.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 10 * time.Second
	}
	if config.Factor <= 0 {
		config.Factor = 2.0
	}

	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if IsPermanent(err) {
			result.Duration = time.Since(start)
			return result
		}

		if attempt >= config.MaxAttempts {
			break
		}

		sleep := delay
		if config.Jitter {
			jitterFactor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
			sleep = time.Duration(float64(delay) * jitterFactor)
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * config.Factor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the permanent marker.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// RetryableStatus reports whether an upstream HTTP status warrants a retry:
// 429 and all 5xx. Other 4xx are fatal client errors.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// ClassifyStatus wraps err as permanent when the status is a fatal client
// error, leaving retryable statuses untouched.
func ClassifyStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if RetryableStatus(status) {
		return err
	}
	if status >= 400 && status < 500 {
		return Permanent(err)
	}
	return err
}

// IsTransientNet reports whether err looks like a transient network failure
// (timeout or temporary transport error).
func IsTransientNet(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

