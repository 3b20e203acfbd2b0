package inference

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

var (
	// ErrMalformedOutput is returned when the model reply does not match the
	// expected JSON shape. It is retryable: a second sample usually parses.
	ErrMalformedOutput = errors.New("malformed model output")
	// ErrMissingAPIKey is returned by New when no API key is configured.
	ErrMissingAPIKey = errors.New("inference api key not configured")
)

// HTTPError is a non-2xx reply from the inference API.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference http %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// breakerError marks calls rejected by an open circuit; retry.IsTransient
// treats it as permanent.
type breakerError struct {
	err error
}

func (e *breakerError) Error() string      { return "inference circuit open: " + e.err.Error() }
func (e *breakerError) Unwrap() error      { return e.err }
func (e *breakerError) NonRetryable() bool { return true }

func wrapBreaker(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &breakerError{err: err}
	}
	return err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedOutput, fmt.Sprintf(format, args...))
}

// tripsBreaker reports whether err indicates an unhealthy upstream. Client
// errors such as a bad request leave the breaker closed.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		code := he.StatusCode
		return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	}
	return true
}
