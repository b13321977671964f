package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

// Magic tokens understood by the sandbox.
const (
	TokenValid       = "tok_valid"       // approved; challenged only when step-up is requested
	TokenVerify      = "tok_verify"      // always challenged with step-up verification
	TokenDeclined    = "tok_declined"    // card_declined
	TokenUnavailable = "tok_unavailable" // processor outage
)

type sandboxCharge struct {
	Result
	captureOnVerify bool
	idemKeys        map[string]struct{}
}

// Sandbox is an in-memory Gateway for development and tests. It honours
// processor-side idempotency keys on create calls, as a real processor does.
type Sandbox struct {
	mu      sync.Mutex
	charges map[string]*sandboxCharge
	byKey   map[string]string // idempotency key -> charge id
	calls   atomic.Int64
}

var _ Gateway = (*Sandbox)(nil)

// NewSandbox returns an empty sandbox gateway.
func NewSandbox() *Sandbox {
	return &Sandbox{charges: make(map[string]*sandboxCharge), byKey: make(map[string]string)}
}

// Calls returns how many gateway operations were invoked.
func (s *Sandbox) Calls() int64 { return s.calls.Load() }

func (s *Sandbox) Charge(ctx context.Context, p Params) (Result, error) {
	return s.create(ctx, p, true)
}

func (s *Sandbox) Authorize(ctx context.Context, p Params) (Result, error) {
	return s.create(ctx, p, false)
}

func (s *Sandbox) create(ctx context.Context, p Params, capture bool) (Result, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return Result{}, &Error{Class: ClassUnavailable, Code: "canceled", Message: "request canceled", Err: err}
	}
	switch p.Token {
	case TokenDeclined:
		return Result{}, &Error{Class: ClassRejected, Code: "card_declined", Message: "Your card was declined.", StatusCode: 402}
	case TokenUnavailable:
		return Result{}, &Error{Class: ClassUnavailable, Code: "processor_unavailable", Message: "The processor is temporarily unavailable.", StatusCode: 503}
	case TokenValid, TokenVerify:
	default:
		return Result{}, &Error{Class: ClassRejected, Code: "invalid_source", Message: "No such payment source.", StatusCode: 400}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return s.charges[id].Result, nil
	}

	ch := &sandboxCharge{
		Result: Result{
			ID:                 "ch_" + uuid.NewString(),
			Amount:             p.Amount,
			Currency:           p.Currency,
			VerificationStatus: domain.VerificationNone,
		},
		captureOnVerify: capture,
		idemKeys:        map[string]struct{}{},
	}
	if p.Token == TokenVerify || p.RequireVerification {
		ch.VerificationStatus = domain.VerificationUnverified
	} else {
		ch.Paid = true
		if capture {
			ch.Captured = true
			ch.AmountCaptured = p.Amount
		}
	}
	s.charges[ch.ID] = ch
	if p.IdempotencyKey != "" {
		s.byKey[p.IdempotencyKey] = ch.ID
	}
	return ch.Result, nil
}

func (s *Sandbox) Capture(_ context.Context, chargeID string, amount int64, idempotencyKey string) (Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.lookup(chargeID)
	if err != nil {
		return Result{}, err
	}
	if _, seen := ch.idemKeys[idempotencyKey]; seen && idempotencyKey != "" {
		return ch.Result, nil
	}
	switch {
	case ch.Captured:
		return Result{}, &Error{Class: ClassRejected, Code: "charge_already_captured", Message: "Charge has already been captured.", StatusCode: 400}
	case ch.Released:
		return Result{}, &Error{Class: ClassRejected, Code: "charge_released", Message: "Charge has been released.", StatusCode: 400}
	case !ch.Paid:
		return Result{}, &Error{Class: ClassRejected, Code: "charge_not_authorized", Message: "Charge is not authorized.", StatusCode: 400}
	}
	if amount <= 0 {
		amount = ch.Amount
	}
	if amount > ch.Amount {
		return Result{}, &Error{Class: ClassRejected, Code: "amount_too_large", Message: "Capture exceeds authorized amount.", StatusCode: 400}
	}
	ch.Captured = true
	ch.AmountCaptured = amount
	ch.idemKeys[idempotencyKey] = struct{}{}
	return ch.Result, nil
}

func (s *Sandbox) Release(_ context.Context, chargeID, idempotencyKey string) (Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.lookup(chargeID)
	if err != nil {
		return Result{}, err
	}
	if ch.Captured {
		return Result{}, &Error{Class: ClassRejected, Code: "charge_already_captured", Message: "Captured charges cannot be released.", StatusCode: 400}
	}
	ch.Released = true
	ch.idemKeys[idempotencyKey] = struct{}{}
	return ch.Result, nil
}

func (s *Sandbox) VerificationStatus(_ context.Context, chargeID string) (Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.lookup(chargeID)
	if err != nil {
		return Result{}, err
	}
	return ch.Result, nil
}

func (s *Sandbox) CompleteVerification(_ context.Context, chargeID string) (Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, err := s.lookup(chargeID)
	if err != nil {
		return Result{}, err
	}
	if ch.Released {
		return Result{}, &Error{Class: ClassRejected, Code: "charge_released", Message: "Charge has been released.", StatusCode: 400}
	}
	if ch.VerificationStatus == domain.VerificationUnverified {
		ch.VerificationStatus = domain.VerificationVerified
		ch.Paid = true
		if ch.captureOnVerify {
			ch.Captured = true
			ch.AmountCaptured = ch.Amount
		}
	}
	return ch.Result, nil
}

func (s *Sandbox) lookup(id string) (*sandboxCharge, error) {
	ch, ok := s.charges[id]
	if !ok {
		return nil, &Error{Class: ClassRejected, Code: "resource_missing", Message: "No such charge: " + id, StatusCode: 404}
	}
	return ch, nil
}
