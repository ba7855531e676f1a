package provider

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure for retry handling.
type ErrorKind string

const (
	// ErrorKindTransport covers connection errors, timeouts, and
	// 5xx-equivalent provider responses.
	ErrorKindTransport ErrorKind = "transport"
	// ErrorKindRateLimit is a provider-reported throttle signal.
	ErrorKindRateLimit ErrorKind = "rate_limit"
	// ErrorKindAuth is an authentication/authorization failure. It is
	// fatal for the whole run since it recurs for every attempt.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindRequest is a malformed or unsupported request, permanent
	// for the row but not for the run.
	ErrorKindRequest ErrorKind = "bad_request"
)

// Error is a typed failure returned by provider clients.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Cause)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches provider errors by kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsRateLimit reports whether err carries a provider throttle signal.
func IsRateLimit(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorKindRateLimit
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == ErrorKindAuth
}
