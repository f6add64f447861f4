package operator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/tourbridge/internal/circuitbreaker"
	"github.com/mbd888/tourbridge/internal/retry"
	"github.com/mbd888/tourbridge/internal/transport"
)

// ErrNoOperator is returned when no enabled operator supports an operation.
var ErrNoOperator = errors.New("operator: no operator supports operation")

// UnknownOperatorError is returned for an operator type with no registered
// adapter factory or no descriptor.
type UnknownOperatorError struct {
	Type string
}

func (e *UnknownOperatorError) Error() string {
	return fmt.Sprintf("operator: unknown operator type %q", e.Type)
}

// AllOperatorsFailedError is returned by ExecuteWithFallback when every
// candidate failed. It carries the last failure's message only.
type AllOperatorsFailedError struct {
	Operation Capability
	Attempted []string
	LastError string
}

func (e *AllOperatorsFailedError) Error() string {
	return fmt.Sprintf("operator: all operators failed for %s (tried %s): %s",
		e.Operation, strings.Join(e.Attempted, ", "), e.LastError)
}

// ErrorKind is the operator-level classification of a failed attempt.
type ErrorKind string

const (
	KindTimeout      ErrorKind = "timeout"
	KindUnauthorized ErrorKind = "unauthorized"
	KindRateLimit    ErrorKind = "rate_limit"
	KindServer       ErrorKind = "server"
	KindTransport    ErrorKind = "transport"
	KindValidation   ErrorKind = "validation"
	KindCircuitOpen  ErrorKind = "circuit_open"
	KindUnknown      ErrorKind = "unknown"
)

// Classify maps an attempt error to an ErrorKind.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, circuitbreaker.ErrOpen):
		return KindCircuitOpen
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, transport.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, transport.ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, transport.ErrServer):
		return KindServer
	case errors.Is(err, transport.ErrTransport):
		return KindTransport
	case errors.Is(err, transport.ErrValidation):
		return KindValidation
	default:
		return KindUnknown
	}
}

// OperationError is one operator's failed attempt at an operation, after its
// own retries.
type OperationError struct {
	Operator  string
	Operation Capability
	Kind      ErrorKind
	Attempts  int
	Err       error
}

func (e *OperationError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s %s failed (%s) after %d attempts: %v", e.Operator, e.Operation, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Operator, e.Operation, e.Kind, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

func newOperationError(operator string, op Capability, err error) *OperationError {
	attempts := 1
	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		attempts = ex.Attempts
	}
	return &OperationError{
		Operator:  operator,
		Operation: op,
		Kind:      Classify(err),
		Attempts:  attempts,
		Err:       err,
	}
}

// retryDecision retries transport failures that another attempt might fix.
func retryDecision(err error) retry.Decision {
	if transport.IsRetryable(err) {
		return retry.Retry
	}
	return retry.Stop
}

// countsAgainstBreaker reports whether err says the operator is unhealthy.
// Rejected input and cancelled callers do not.
func countsAgainstBreaker(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, transport.ErrValidation), errors.Is(err, transport.ErrClient):
		return false
	}
	return true
}
