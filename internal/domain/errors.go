package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error by who must act on it and whether a retry helps.
type Kind string

const (
	// KindInvalidInput is a caller error; never retried automatically.
	KindInvalidInput Kind = "invalid_input"
	// KindGatewayRejected is a processor decline; retrying needs a new instrument.
	KindGatewayRejected Kind = "gateway_rejected"
	// KindGatewayUnavailable is transient; retry with the same idempotency key.
	KindGatewayUnavailable Kind = "gateway_unavailable"
	// KindConfiguration is an operator error such as missing credentials.
	KindConfiguration Kind = "configuration_error"
	// KindContentDegraded marks a job that completed with fallback sections.
	KindContentDegraded Kind = "content_generation_degraded"
	// KindFulfillmentFailed marks a job that terminated in error.
	KindFulfillmentFailed Kind = "fulfillment_failed"
)

// Error is a classified failure. Code and Message usually carry the
// processor's own decline code and text.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// OutcomeUnknown is set when a gateway call timed out locally and may still
	// complete on the processor side.
	OutcomeUnknown bool
	Err            error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels: errors.Is(err, ErrGatewayRejected) holds for any
// *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == "" && t.Message == "" && t.Err == nil
}

// Kind sentinels for errors.Is.
var (
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
	ErrGatewayRejected    = &Error{Kind: KindGatewayRejected}
	ErrGatewayUnavailable = &Error{Kind: KindGatewayUnavailable}
	ErrConfiguration      = &Error{Kind: KindConfiguration}
	ErrContentDegraded    = &Error{Kind: KindContentDegraded}
	ErrFulfillmentFailed  = &Error{Kind: KindFulfillmentFailed}
)

// Plain sentinels.
var (
	ErrChargeNotFound      = errors.New("charge not found")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobTerminal         = errors.New("job already terminal")
	ErrInvalidTransition   = errors.New("invalid charge status transition")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
)

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsOutcomeUnknown reports whether err is a timeout whose processor-side
// result is unknown.
func IsOutcomeUnknown(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.OutcomeUnknown
}
