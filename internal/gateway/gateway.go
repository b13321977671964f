// Package gateway is the contract with the payment processor and its two
// implementations: an HTTP client speaking the processor's form-encoded API
// and an in-process sandbox driven by magic test tokens.
//
// Every call returns either a Result or a *Error carrying a Class. Callers
// branch on the class, never on message text.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

// Gateway is the processor network client.
type Gateway interface {
	// Charge creates and immediately captures a charge.
	Charge(ctx context.Context, p Params) (Result, error)
	// Authorize places a hold without capturing it.
	Authorize(ctx context.Context, p Params) (Result, error)
	// Capture collects amount from an authorized charge.
	Capture(ctx context.Context, chargeID string, amount int64, idempotencyKey string) (Result, error)
	// Release cancels an uncaptured hold.
	Release(ctx context.Context, chargeID, idempotencyKey string) (Result, error)
	// VerificationStatus reports the step-up state of a charge.
	VerificationStatus(ctx context.Context, chargeID string) (Result, error)
	// CompleteVerification finalizes a charge after the cardholder verified.
	CompleteVerification(ctx context.Context, chargeID string) (Result, error)
}

// Params is a charge or authorization request.
type Params struct {
	Token               string
	Amount              int64
	Currency            string
	Description         string
	Metadata            map[string]string
	RequireVerification bool
	IdempotencyKey      string
}

// Result is the processor's view of a charge after a successful call.
type Result struct {
	ID                 string                    `json:"id"`
	Amount             int64                     `json:"amount"`
	AmountCaptured     int64                     `json:"amount_captured"`
	Currency           string                    `json:"currency"`
	Paid               bool                      `json:"paid"`
	Captured           bool                      `json:"captured"`
	Released           bool                      `json:"released"`
	VerificationStatus domain.VerificationStatus `json:"verification_status"`
}

// Class is the failure category of a gateway call.
type Class string

const (
	ClassRejected      Class = "rejected"
	ClassUnavailable   Class = "unavailable"
	ClassConfiguration Class = "configuration"
)

// Error is the classified failure variant of a gateway call.
type Error struct {
	Class      Class
	Code       string
	Message    string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s (%d): %s", e.Class, e.StatusCode, msg)
	}
	return fmt.Sprintf("gateway %s: %s", e.Class, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the class of err; unclassified errors count as unavailable.
func ClassOf(err error) Class {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Class
	}
	return ClassUnavailable
}

// ToDomain converts a gateway failure into the shared error taxonomy.
func ToDomain(err error) error {
	if err == nil {
		return nil
	}
	var ge *Error
	if !errors.As(err, &ge) {
		return &domain.Error{Kind: domain.KindGatewayUnavailable, Message: "payment processor unreachable", Err: err}
	}
	kind := domain.KindGatewayUnavailable
	switch ge.Class {
	case ClassRejected:
		kind = domain.KindGatewayRejected
	case ClassConfiguration:
		kind = domain.KindConfiguration
	}
	return &domain.Error{Kind: kind, Code: ge.Code, Message: ge.Message, Err: err}
}
