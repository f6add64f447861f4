package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed operator request.
type Kind int

const (
	KindTransport    Kind = iota + 1 // connection refused, reset, DNS
	KindTimeout                      // request or dial deadline exceeded
	KindUnauthorized                 // 401
	KindValidation                   // 422
	KindRateLimit                    // 429
	KindServer                       // 5xx
	KindClient                       // any other non-2xx
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	default:
		return "unknown"
	}
}

var (
	ErrTransport    = errors.New("transport: connection failed")
	ErrTimeout      = errors.New("transport: timed out")
	ErrUnauthorized = errors.New("transport: unauthorized")
	ErrValidation   = errors.New("transport: validation failed")
	ErrRateLimit    = errors.New("transport: rate limited")
	ErrServer       = errors.New("transport: server error")
	ErrClient       = errors.New("transport: request rejected")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindTimeout:
		return ErrTimeout
	case KindUnauthorized:
		return ErrUnauthorized
	case KindValidation:
		return ErrValidation
	case KindRateLimit:
		return ErrRateLimit
	case KindServer:
		return ErrServer
	case KindClient:
		return ErrClient
	}
	return nil
}

// maxErrorBody bounds how much of a failed response body is kept on Error.
const maxErrorBody = 512

// Error is a failed request against an operator. It matches the Err*
// sentinel for its kind with errors.Is.
type Error struct {
	Operator   string
	Kind       Kind
	StatusCode int
	Method     string
	Path       string
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		msg := fmt.Sprintf("%s %s %s: HTTP %d", e.Operator, e.Method, e.Path, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
		return msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s %s: %s: %v", e.Operator, e.Method, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %s", e.Operator, e.Method, e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// IsRetryable reports whether another attempt against the same operator
// might succeed. Validation and other client errors will not.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case KindTransport, KindTimeout, KindRateLimit, KindServer, KindUnauthorized:
		return true
	}
	return false
}

// statusKind maps a non-2xx status code to a Kind.
func statusKind(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindUnauthorized
	case code == http.StatusUnprocessableEntity:
		return KindValidation
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code >= 500:
		return KindServer
	default:
		return KindClient
	}
}
