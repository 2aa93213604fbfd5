package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an ExchangeClient failure into the taxonomy every
// upstream component reasons about. This is the explicit-result-value
// replacement for exceptions-as-control-flow: callers switch on Kind
// instead of inspecting error strings.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "RATE_LIMITED"
	KindTransient   ErrorKind = "TRANSIENT"
	KindWouldMatch  ErrorKind = "WOULD_MATCH"
	KindValidation  ErrorKind = "VALIDATION"
	KindAuth        ErrorKind = "AUTH"
	KindNotFound    ErrorKind = "NOT_FOUND"
)

// ExchangeError wraps an underlying transport/decoding error with the
// classification every component needs to decide retry vs. surface vs. halt.
type ExchangeError struct {
	Kind ErrorKind
	Op   string // e.g. "placeOrder", "getAccount"
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewExchangeError constructs a classified error.
func NewExchangeError(op string, kind ErrorKind, err error) *ExchangeError {
	return &ExchangeError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to KindTransient for
// unclassified errors so the generic retry-with-backoff path is the safe
// default for anything this engine didn't explicitly classify.
func KindOf(err error) ErrorKind {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindTransient
}
