package memory

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
)

type OperationErrorCode string

const (
	OperationErrorValidation      OperationErrorCode = "validation_failed"
	OperationErrorEncodeFailed    OperationErrorCode = "encode_failed"
	OperationErrorDecodeFailed    OperationErrorCode = "decode_failed"
	OperationErrorTransportFailed OperationErrorCode = "transport_failed"
	OperationErrorTimeout         OperationErrorCode = "timeout"
	OperationErrorQueryFailed     OperationErrorCode = "query_failed"
	OperationErrorCircuitOpen     OperationErrorCode = "circuit_open"
)

// OperationError is returned by every QdrantStore call that fails on the
// Qdrant side.
type OperationError struct {
	Code       OperationErrorCode
	Operation  string
	StatusCode int
	Message    string
	Cause      error
}

func (e *OperationError) Error() string {
	if e == nil {
		return "qdrant operation failed"
	}
	if e.Message != "" {
		return fmt.Sprintf("qdrant operation failed (op=%s code=%s status=%d): %s", e.Operation, e.Code, e.StatusCode, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("qdrant operation failed (op=%s code=%s status=%d): %v", e.Operation, e.Code, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("qdrant operation failed (op=%s code=%s status=%d)", e.Operation, e.Code, e.StatusCode)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NonRetryable marks bad requests, rejected HTTP statuses and an open
// circuit as permanent for retry.IsTransient.
func (e *OperationError) NonRetryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case OperationErrorValidation, OperationErrorEncodeFailed, OperationErrorCircuitOpen:
		return true
	case OperationErrorQueryFailed:
		return e.StatusCode > 0 && !retry.IsRetryableHTTPStatus(e.StatusCode)
	}
	return false
}

func opErr(op string, code OperationErrorCode, msg string, cause error) error {
	return &OperationError{
		Code:      code,
		Operation: op,
		Message:   msg,
		Cause:     cause,
	}
}

func classifyHTTPCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}

func wrapBreaker(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return opErr(op, OperationErrorCircuitOpen, "qdrant circuit breaker rejected call", err)
	}
	return err
}

// tripsBreaker counts transport failures, timeouts and 5xx replies against
// the breaker. Validation and 4xx errors do not.
func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	var oe *OperationError
	if !errors.As(err, &oe) {
		return true
	}
	switch oe.Code {
	case OperationErrorTransportFailed, OperationErrorTimeout:
		return true
	case OperationErrorQueryFailed:
		return oe.StatusCode == 0 || oe.StatusCode >= 500
	}
	return false
}
