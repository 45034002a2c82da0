// Package retry runs operations against flaky remote sources (spreadsheet
// downloads, object stores, SQL servers, plugin tasks) with exponential
// backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterFactor spreads each delay by +/- the given fraction (0.0-1.0).
	JitterFactor float64
	// MaxSameErrorType turns a run of identically classified failures into a
	// permanent one. Zero disables the check.
	MaxSameErrorType int
}

// DefaultConfig returns 3 retries starting at 100ms, doubling up to 5s
// with 10% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:       3,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		Multiplier:       2.0,
		JitterFactor:     0.1,
		MaxSameErrorType: 5,
	}
}

// next returns the delay that follows d.
func (c *Config) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * c.Multiplier)
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// wait sleeps for delay unless ctx ends first.
func wait(ctx context.Context, delay time.Duration, jitterFactor float64) error {
	t := time.NewTimer(applyJitter(delay, jitterFactor))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// permanentError marks a failure that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that DoIfRetryable returns it at once. The wrapper
// is removed from the returned error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func unwrapPermanent(err error) error {
	var p *permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}

// run is the shared loop. shouldRetry decides whether a failure is worth
// another attempt.
func run(ctx context.Context, cfg *Config, fn func() error, shouldRetry func(error) bool) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var (
		lastErr   error
		lastType  string
		sameCount int
	)
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return unwrapPermanent(err)
		}

		if cfg.MaxSameErrorType > 0 {
			if kind := classifyErrorType(err); kind == lastType {
				sameCount++
				if sameCount >= cfg.MaxSameErrorType {
					return fmt.Errorf("repeated error (%d times, type=%s): %w", sameCount, kind, err)
				}
			} else {
				lastType, sameCount = kind, 1
			}
		}

		if attempt < cfg.MaxRetries {
			if err := wait(ctx, delay, cfg.JitterFactor); err != nil {
				return err
			}
			delay = cfg.next(delay)
		}
	}
	return lastErr
}

// Do executes fn until it succeeds or the retries are exhausted, returning
// the last error. Permanent errors still stop the loop.
func Do(ctx context.Context, cfg *Config, fn func() error) error {
	return run(ctx, cfg, fn, func(err error) bool {
		var p *permanentError
		return !errors.As(err, &p)
	})
}

// DoWithResult is Do for functions that return a value, such as opening a
// connection pool. The last value is returned even on error.
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		r, err := fn()
		result = r
		return err
	})
	return result, err
}

// DoIfRetryable retries only transient failures (see IsRetryable).
func DoIfRetryable(ctx context.Context, cfg *Config, fn func() error) error {
	return run(ctx, cfg, fn, IsRetryable)
}

// RetryableError lets an error declare its own retryability.
type RetryableError interface {
	error
	IsRetryable() bool
}

var retryablePatterns = []string{
	// connection level
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"temporary failure",
	"too many connections",
	"deadlock",
	"network is unreachable",
	"unexpected eof",
	// HTTP status codes returned by remote sources
	"status 429",
	"status 500",
	"status 502",
	"status 503",
	"status 504",
	"rate limit",
	"too many requests",
	"service unavailable",
	// object store throttling
	"slowdown",
	"throttl",
	"requesttimeout",
}

// IsRetryable reports whether err is transient. Explicit declarations
// (Permanent, RetryableError, net.Error timeouts) win over message patterns.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var declared RetryableError
	if errors.As(err, &declared) {
		return declared.IsRetryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// classifyErrorType buckets an error so that repeats can be detected.
func classifyErrorType(err error) string {
	msg := strings.ToLower(err.Error())
	for _, code := range []string{"429", "500", "502", "503", "504"} {
		if strings.Contains(msg, "status "+code) {
			return code
		}
	}
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return "connection"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "slowdown"), strings.Contains(msg, "throttl"):
		return "rate_limit"
	}
	return "unknown"
}
