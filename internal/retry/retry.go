// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
)

// Policy describes how an operation is retried. MaxRetries counts retries
// after the first attempt, so an operation runs at most MaxRetries+1 times.
type Policy struct {
	Name            string
	MaxRetries      int
	InitialDelay    time.Duration
	ExponentialBase float64
	// Jitter scales every delay by a uniform factor in [0.5, 1.5).
	Jitter bool
	// Retryable reports whether err may be retried. Nil retries every error.
	Retryable func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)
	Log     *logger.Logger

	random func() float64
}

// Default mirrors the general purpose policy: 3 retries from 1s, doubling.
func Default() Policy {
	return Policy{
		Name:            "default",
		MaxRetries:      3,
		InitialDelay:    time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
		Retryable:       IsTransient,
	}
}

// API is the shorter policy used for calls to external model APIs.
func API() Policy {
	return Policy{
		Name:            "api",
		MaxRetries:      2,
		InitialDelay:    500 * time.Millisecond,
		ExponentialBase: 2.0,
		Jitter:          true,
		Retryable:       IsTransient,
	}
}

// Delay returns the wait before retry number n (zero based).
func (p Policy) Delay(n int) time.Duration {
	base := p.ExponentialBase
	if base <= 0 {
		base = 2.0
	}
	d := float64(p.InitialDelay) * math.Pow(base, float64(n))
	if p.Jitter {
		rnd := p.random
		if rnd == nil {
			rnd = rand.Float64
		}
		d *= 0.5 + rnd()
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, returns a non-retryable error, or the retry
// budget is spent. The last error is returned unchanged. Cancelling ctx
// during a wait stops retrying and returns the last error as well.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Run is the value-returning form of Policy.Do.
func Run[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return v, err
		}
		if attempt >= maxRetries {
			if p.Log != nil && maxRetries > 0 {
				p.Log.Error("retries exhausted",
					"policy", p.Name,
					"attempts", attempt+1,
					"error", err,
				)
			}
			return v, err
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		if p.Log != nil {
			p.Log.Warn("operation retrying",
				"policy", p.Name,
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"sleep", delay.String(),
				"error", err,
			)
		}
		if !wait(ctx, delay) {
			return v, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	HTTPStatusCode() int
}

// NonRetryable marks an error as permanent for IsTransient.
type NonRetryable interface {
	NonRetryable() bool
}

// IsTransient reports whether err is worth retrying. HTTP errors are retried
// only for 408, 429 and 5xx; caller cancellation and errors that declare
// themselves non-retryable are never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var nr NonRetryable
	if errors.As(err, &nr) && nr.NonRetryable() {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	// timeouts, transport failures and malformed responses
	return true
}

func IsRetryableHTTPStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}
