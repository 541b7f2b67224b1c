// Package retry provides the backoff policy shared by the LLM transports.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Jitter randomizes delays to spread synchronized retries.
	Jitter bool
	// RetryableStatusCodes lists HTTP status codes worth retrying. The
	// OpenAI transports treat any status not listed as permanent; the
	// Anthropic transport does not read this list and classifies errors
	// by their message.
	RetryableStatusCodes []int
}

// DefaultConfig returns the HTTP retry policy the transports start from.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		BaseDelay:            500 * time.Millisecond,
		MaxDelay:             8 * time.Second,
		Jitter:               true,
		RetryableStatusCodes: []int{408, 409, 429, 500, 502, 503, 504},
	}
}

// StatusRetryable reports whether an HTTP status code is in the
// configured retryable set.
func (c Config) StatusRetryable(status int) bool {
	for _, s := range c.RetryableStatusCodes {
		if s == status {
			return true
		}
	}
	return false
}

// Backoff returns the delay that follows the given failed attempt
// (1-based): BaseDelay after the first, doubling after each further one,
// capped at MaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	base := c.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := c.MaxDelay
	if max <= 0 {
		max = 8 * time.Second
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	if c.Jitter {
		// delay * [0.5, 1.5); jitter does not need crypto randomness.
		delay *= 0.5 + rand.Float64()
		if delay > float64(max) {
			delay = float64(max)
		}
	}
	return time.Duration(delay)
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to stop further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// Do runs op under the config, sleeping between attempts. Context
// cancellation aborts immediately, including mid-sleep. The returned
// error is the last attempt's error with any Permanent marker unwrapped.
func Do(ctx context.Context, config Config, op func() error) error {
	attempts := config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			var p *PermanentError
			errors.As(err, &p)
			return p.Err
		}
		if attempt >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Backoff(attempt)):
		}
	}
	return lastErr
}
