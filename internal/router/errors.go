package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoModelFits means no available model has a context window large
	// enough for the estimated prompt.
	ErrNoModelFits = errors.New("no model fits the request context")
	// ErrNoModels means the catalog has no active model with a configured backend.
	ErrNoModels        = errors.New("no models available")
	ErrUnknownModel    = errors.New("unknown model")
	ErrInvalidTaskType = errors.New("invalid task type")
)

// ErrorClass categorizes provider errors for failover decisions.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "auth"
	ErrorClassRateLimit       ErrorClass = "rate_limit"
	ErrorClassTimeout         ErrorClass = "timeout"
	ErrorClassBilling         ErrorClass = "billing"
	ErrorClassContextOverflow ErrorClass = "context_overflow"
	ErrorClassTransport       ErrorClass = "transport"
	ErrorClassUnknown         ErrorClass = "unknown"
)

// UserFacing reports whether the class goes straight back to the caller
// without a fallback attempt.
func (c ErrorClass) UserFacing() bool {
	return c == ErrorClassAuth || c == ErrorClassRateLimit
}

// ClassifyError inspects err and returns the most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	if containsAny(msg, "401", "unauthorized", "invalid key", "invalid api key", "forbidden", "403", "authentication") {
		return ErrorClassAuth
	}
	if containsAny(msg, "429", "rate limit", "rate_limit", "quota", "too many requests") {
		return ErrorClassRateLimit
	}
	if containsAny(msg, "deadline exceeded", "timeout", "timed out") {
		return ErrorClassTimeout
	}
	if containsAny(msg, "billing", "payment", "insufficient funds", "credit balance") {
		return ErrorClassBilling
	}
	if containsAny(msg, "context_length", "context length", "token limit", "max tokens", "maximum context", "context window") {
		return ErrorClassContextOverflow
	}
	if containsAny(msg, "connection refused", "connection reset", "no such host", "eof", "502", "503", "504", "overloaded", "unavailable") {
		return ErrorClassTransport
	}
	return ErrorClassUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// RouteError is a classified failure of a routed call.
type RouteError struct {
	Class    ErrorClass
	ModelID  string
	Fallback string // model tried after the first failure, if any
	Err      error
}

func (e *RouteError) Error() string {
	if e.Fallback != "" {
		return fmt.Sprintf("route %s (fallback %s): %s: %v", e.ModelID, e.Fallback, e.Class, e.Err)
	}
	return fmt.Sprintf("route %s: %s: %v", e.ModelID, e.Class, e.Err)
}

func (e *RouteError) Unwrap() error { return e.Err }
