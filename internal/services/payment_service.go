// Package services – PaymentService
//
// This file implements PaymentService, the orchestrator of the charge state
// machine. It validates requests before any network call, drives the
// processor through the gateway.Gateway contract, keeps the cached charge
// projection in step with the processor and bookkeeps step-up verification
// sessions. Every mutating operation runs under the IdempotencyGuard when the
// caller supplies a key.
//
// Gateway calls are raced against a fixed timeout. On timeout the caller gets
// a GatewayUnavailable error flagged OutcomeUnknown; the processor call keeps
// running detached and its eventual answer is folded into the projection.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/gateway"
	"github.com/tbourn/go-report-checkout/internal/kv"
	"github.com/tbourn/go-report-checkout/internal/observability"
)

const sessionPrefix = "verify:"

// ChargeRepo defines the persistence contract for charge projections.
type ChargeRepo interface {
	// GetCharge returns the projection or domain.ErrChargeNotFound.
	GetCharge(ctx context.Context, db *gorm.DB, id string) (*domain.Charge, error)
	// SaveCharge upserts the projection, refusing backward transitions.
	SaveCharge(ctx context.Context, db *gorm.DB, c *domain.Charge) error
}

// ChargeRequest is the input of Charge and Authorize.
type ChargeRequest struct {
	Token               string
	Amount              int64
	Currency            string
	Description         string
	Metadata            map[string]string
	RequireVerification bool
	IdempotencyKey      string
	// Subject is kept in the verification session so fulfillment can resume
	// after the step-up round trip.
	Subject domain.Subject
}

// PaymentResult is a charge projection plus how it was obtained.
type PaymentResult struct {
	Charge *domain.Charge
	// CorrelationID identifies the pending verification; empty otherwise.
	CorrelationID string
	Replayed      bool
}

// VerificationResult is returned by CompleteVerification.
type VerificationResult struct {
	Charge  *domain.Charge
	Subject domain.Subject
	// SessionFound is false when the session had expired or was consumed.
	SessionFound bool
}

// PaymentService coordinates the processor, the projection and the
// idempotency and session bookkeeping.
type PaymentService struct {
	DB      *gorm.DB
	Repo    ChargeRepo
	Gateway gateway.Gateway
	Guard   *IdempotencyGuard
	// Sessions holds verification sessions.
	Sessions kv.Store

	Timeout         time.Duration
	SessionTTL      time.Duration
	DefaultCurrency string
	Clock           clock.Clock

	log zerolog.Logger
}

// NewPaymentService wires a PaymentService with the default timeout (15s),
// session TTL (1h) and currency (usd).
func NewPaymentService(db *gorm.DB, repo ChargeRepo, gw gateway.Gateway, guard *IdempotencyGuard, sessions kv.Store) *PaymentService {
	return &PaymentService{
		DB:              db,
		Repo:            repo,
		Gateway:         gw,
		Guard:           guard,
		Sessions:        sessions,
		Timeout:         15 * time.Second,
		SessionTTL:      time.Hour,
		DefaultCurrency: "usd",
		Clock:           clock.NewSystem(),
		log:             log.With().Str("component", "payments").Logger(),
	}
}

// Charge creates a direct charge, captured in the same call.
func (s *PaymentService) Charge(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
	return s.create(ctx, domain.ChargeModeDirect, req)
}

// Authorize places an authorization hold to be captured or released later.
func (s *PaymentService) Authorize(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
	return s.create(ctx, domain.ChargeModeAuthorization, req)
}

func (s *PaymentService) create(ctx context.Context, mode domain.ChargeMode, req ChargeRequest) (*PaymentResult, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, string(mode),
		trace.WithAttributes(
			attribute.Int64("charge.amount", req.Amount),
			attribute.Bool("charge.require_verification", req.RequireVerification),
			attribute.Bool("idempotency.keyed", req.IdempotencyKey != ""),
		),
	)
	defer span.End()

	req.Token = strings.TrimSpace(req.Token)
	req.Currency = strings.ToLower(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.DefaultCurrency
	}
	if err := validateChargeRequest(req); err != nil {
		return nil, err
	}

	fp := Fingerprint(string(mode), req.Token, req.Amount, req.Currency, req.Description, req.Metadata, req.RequireVerification)
	out, replayed, err := s.Guard.Execute(ctx, req.IdempotencyKey, fp, func(ctx context.Context) (domain.Outcome, error) {
		return s.createOnce(ctx, mode, req)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("charge.id", out.Charge.ID), attribute.Bool("idempotency.replayed", replayed))
	return &PaymentResult{Charge: out.Charge, CorrelationID: out.CorrelationID, Replayed: replayed}, nil
}

func validateChargeRequest(req ChargeRequest) error {
	switch {
	case req.Token == "":
		return domain.InvalidInput("payment token is required")
	case req.Amount <= 0:
		return domain.InvalidInput("amount must be a positive number of minor units")
	case len(req.Currency) != 3:
		return domain.InvalidInput("currency must be a 3-letter ISO code")
	}
	return nil
}

func (s *PaymentService) createOnce(ctx context.Context, mode domain.ChargeMode, req ChargeRequest) (domain.Outcome, error) {
	params := gateway.Params{
		Token:               req.Token,
		Amount:              req.Amount,
		Currency:            req.Currency,
		Description:         req.Description,
		Metadata:            req.Metadata,
		RequireVerification: req.RequireVerification,
		IdempotencyKey:      req.IdempotencyKey,
	}
	op, call := string(mode), s.Gateway.Charge
	if mode == domain.ChargeModeAuthorization {
		op, call = "authorize", s.Gateway.Authorize
	}

	res, err := s.call(ctx, op, mode, req.Description, func(ctx context.Context) (gateway.Result, error) {
		return call(ctx, params)
	})
	if err != nil {
		return domain.Outcome{}, err
	}

	ch := s.project(nil, mode, req.Description, res)
	if mode == domain.ChargeModeAuthorization && ch.Status == domain.ChargeStatusAuthorized && (!res.Paid || res.Captured) {
		s.log.Warn().
			Str("charge_id", res.ID).
			Bool("paid", res.Paid).
			Bool("captured", res.Captured).
			Msg("gateway contract: authorization expected paid=true captured=false")
	}
	if err := s.Repo.SaveCharge(ctx, s.DB, ch); err != nil {
		return domain.Outcome{}, fmt.Errorf("save charge %s: %w", ch.ID, err)
	}

	out := domain.Outcome{Charge: ch}
	if ch.Status == domain.ChargeStatusVerificationPending {
		sess := domain.VerificationSession{
			SessionKey:    sessionPrefix + ch.ID,
			CorrelationID: ch.ID,
			Subject:       req.Subject,
			Amount:        req.Amount,
			Currency:      req.Currency,
			Mode:          mode,
			TransactionID: ch.ID,
			CreatedAt:     s.Clock.Now(),
		}
		if err := kv.SetJSON(ctx, s.Sessions, sess.SessionKey, sess, s.SessionTTL); err != nil {
			return domain.Outcome{}, fmt.Errorf("save verification session: %w", err)
		}
		out.CorrelationID = ch.ID
	}
	return out, nil
}

// CaptureRequest captures an authorization hold. A zero Amount captures the
// full authorized amount.
type CaptureRequest struct {
	ChargeID       string
	Amount         int64
	IdempotencyKey string
}

// Capture collects funds from an authorized charge. Capturing an already
// captured charge returns the projection unchanged without a gateway call;
// a keyed request still goes through the guard so retries replay and a
// reused key with a different amount conflicts.
func (s *PaymentService) Capture(ctx context.Context, req CaptureRequest) (*PaymentResult, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "capture", trace.WithAttributes(attribute.String("charge.id", req.ChargeID)))
	defer span.End()

	cur, err := s.Get(ctx, req.ChargeID)
	if err != nil {
		return nil, err
	}
	amount := req.Amount
	if amount == 0 {
		amount = cur.Amount
	}
	if amount < 0 || amount > cur.Amount {
		return nil, domain.InvalidInput("capture amount %d outside (0, %d]", amount, cur.Amount)
	}
	switch cur.Status {
	case domain.ChargeStatusCaptured, domain.ChargeStatusAuthorized:
	default:
		return nil, &domain.Error{
			Kind:    domain.KindInvalidInput,
			Message: fmt.Sprintf("charge in status %s cannot be captured", cur.Status),
			Err:     domain.ErrInvalidTransition,
		}
	}

	fp := Fingerprint("capture", cur.ID, req.Amount)
	out, replayed, err := s.Guard.Execute(ctx, req.IdempotencyKey, fp, func(ctx context.Context) (domain.Outcome, error) {
		if cur.Status == domain.ChargeStatusCaptured {
			return domain.Outcome{Charge: cur}, nil
		}
		res, err := s.call(ctx, "capture", cur.Mode, cur.Description, func(ctx context.Context) (gateway.Result, error) {
			return s.Gateway.Capture(ctx, cur.ID, amount, req.IdempotencyKey)
		})
		if err != nil {
			return domain.Outcome{}, err
		}
		ch := s.project(cur, cur.Mode, cur.Description, res)
		if ch.Status != domain.ChargeStatusCaptured {
			s.log.Warn().Str("charge_id", cur.ID).Msg("gateway contract: capture did not report captured=true")
		}
		if err := s.Repo.SaveCharge(ctx, s.DB, ch); err != nil {
			return domain.Outcome{}, fmt.Errorf("save charge %s: %w", ch.ID, err)
		}
		return domain.Outcome{Charge: ch}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &PaymentResult{Charge: out.Charge, Replayed: replayed}, nil
}

// Release cancels an uncaptured hold. Releasing an already released charge
// returns it unchanged.
func (s *PaymentService) Release(ctx context.Context, chargeID, idempotencyKey string) (*PaymentResult, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "release", trace.WithAttributes(attribute.String("charge.id", chargeID)))
	defer span.End()

	cur, err := s.Get(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	switch cur.Status {
	case domain.ChargeStatusReleased, domain.ChargeStatusAuthorized, domain.ChargeStatusVerificationPending:
	default:
		return nil, &domain.Error{
			Kind:    domain.KindInvalidInput,
			Message: fmt.Sprintf("charge in status %s cannot be released", cur.Status),
			Err:     domain.ErrInvalidTransition,
		}
	}

	fp := Fingerprint("release", cur.ID)
	out, replayed, err := s.Guard.Execute(ctx, idempotencyKey, fp, func(ctx context.Context) (domain.Outcome, error) {
		if cur.Status == domain.ChargeStatusReleased {
			return domain.Outcome{Charge: cur}, nil
		}
		_, err := s.call(ctx, "release", cur.Mode, cur.Description, func(ctx context.Context) (gateway.Result, error) {
			return s.Gateway.Release(ctx, cur.ID, idempotencyKey)
		})
		if err != nil {
			return domain.Outcome{}, err
		}
		ch := *cur
		ch.Status = domain.ChargeStatusReleased
		ch.Captured = false
		ch.CapturedAmount = 0
		ch.UpdatedAt = s.Clock.Now()
		if err := s.Repo.SaveCharge(ctx, s.DB, &ch); err != nil {
			return domain.Outcome{}, fmt.Errorf("save charge %s: %w", ch.ID, err)
		}
		if err := s.Sessions.Delete(ctx, sessionPrefix+ch.ID); err != nil {
			s.log.Warn().Err(err).Str("charge_id", ch.ID).Msg("deleting verification session failed")
		}
		return domain.Outcome{Charge: &ch}, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &PaymentResult{Charge: out.Charge, Replayed: replayed}, nil
}

// CompleteVerification finalizes a charge after step-up verification and
// returns it with the subject recorded when verification started. A missing
// session is tolerated. The session is kept while the processor still reports
// the challenge as pending and deleted once the charge moves past it.
func (s *PaymentService) CompleteVerification(ctx context.Context, correlationID string) (*VerificationResult, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "complete_verification", trace.WithAttributes(attribute.String("charge.id", correlationID)))
	defer span.End()

	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, domain.InvalidInput("correlation id is required")
	}

	var sess domain.VerificationSession
	found := true
	if err := kv.GetJSON(ctx, s.Sessions, sessionPrefix+correlationID, &sess); err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("load verification session: %w", err)
		}
		found = false
	}

	cur, err := s.Repo.GetCharge(ctx, s.DB, correlationID)
	if err != nil && !errors.Is(err, domain.ErrChargeNotFound) {
		return nil, err
	}
	mode := sess.Mode
	if cur != nil {
		mode = cur.Mode
	}

	res, err := s.call(ctx, "complete_verification", mode, "", func(ctx context.Context) (gateway.Result, error) {
		return s.Gateway.CompleteVerification(ctx, correlationID)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if mode == "" {
		mode = domain.ChargeModeAuthorization
		if res.Captured {
			mode = domain.ChargeModeDirect
		}
	}

	ch := s.project(cur, mode, "", res)
	if err := s.Repo.SaveCharge(ctx, s.DB, ch); err != nil {
		return nil, fmt.Errorf("save charge %s: %w", ch.ID, err)
	}
	if found && ch.Status != domain.ChargeStatusVerificationPending {
		if err := s.Sessions.Delete(ctx, sessionPrefix+correlationID); err != nil {
			s.log.Warn().Err(err).Str("charge_id", correlationID).Msg("deleting verification session failed")
		}
	} else if !found {
		s.log.Info().Str("charge_id", correlationID).Msg("verification completed without a stored session")
	}
	return &VerificationResult{Charge: ch, Subject: sess.Subject, SessionFound: found}, nil
}

// VerificationStatus asks the processor for the step-up state of a charge
// and refreshes the projection with the answer.
func (s *PaymentService) VerificationStatus(ctx context.Context, chargeID string) (*domain.Charge, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "verification_status", trace.WithAttributes(attribute.String("charge.id", chargeID)))
	defer span.End()

	cur, err := s.Get(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	res, err := s.call(ctx, "verify", cur.Mode, cur.Description, func(ctx context.Context) (gateway.Result, error) {
		return s.Gateway.VerificationStatus(ctx, cur.ID)
	})
	if err != nil {
		return nil, err
	}
	ch := s.project(cur, cur.Mode, cur.Description, res)
	if err := s.Repo.SaveCharge(ctx, s.DB, ch); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return cur, nil
		}
		return nil, err
	}
	return ch, nil
}

// Get returns the cached projection of a charge.
func (s *PaymentService) Get(ctx context.Context, chargeID string) (*domain.Charge, error) {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return nil, domain.InvalidInput("charge id is required")
	}
	return s.Repo.GetCharge(ctx, s.DB, chargeID)
}

// SettleHold captures (capture=true) or releases an authorization hold on
// behalf of fulfillment. Charges that are already settled the requested way
// are left alone.
func (s *PaymentService) SettleHold(ctx context.Context, chargeID string, capture bool, idempotencyKey string) error {
	var err error
	if capture {
		_, err = s.Capture(ctx, CaptureRequest{ChargeID: chargeID, IdempotencyKey: idempotencyKey})
	} else {
		_, err = s.Release(ctx, chargeID, idempotencyKey)
	}
	return err
}

type gatewayReply struct {
	res gateway.Result
	err error
}

// call runs one gateway operation under the payment timeout. The operation
// runs on a context detached from the caller so an abandoned request does
// not tear down a processor round trip whose effect is unknown.
func (s *PaymentService) call(
	ctx context.Context,
	op string,
	mode domain.ChargeMode,
	description string,
	fn func(context.Context) (gateway.Result, error),
) (gateway.Result, error) {
	start := time.Now()
	replies := make(chan gatewayReply, 1)
	go func() {
		res, err := fn(context.WithoutCancel(ctx))
		replies <- gatewayReply{res: res, err: err}
	}()

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()

	select {
	case r := <-replies:
		observability.PaymentLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		err := gateway.ToDomain(r.err)
		observability.PaymentOps.WithLabelValues(op, observability.ResultLabel(string(domain.KindOf(err)), err)).Inc()
		return r.res, err
	case <-timer.C:
	case <-ctx.Done():
	}

	observability.PaymentOps.WithLabelValues(op, "outcome_unknown").Inc()
	s.log.Warn().Str("op", op).Dur("timeout", s.Timeout).Msg("gateway call timed out; outcome unknown")
	go s.foldLateReply(op, mode, description, replies)
	return gateway.Result{}, &domain.Error{
		Kind:           domain.KindGatewayUnavailable,
		Code:           "timeout",
		Message:        "payment processor did not answer in time; retry with the same idempotency key",
		OutcomeUnknown: true,
	}
}

// foldLateReply waits for the detached call and records its answer.
func (s *PaymentService) foldLateReply(op string, mode domain.ChargeMode, description string, replies <-chan gatewayReply) {
	r := <-replies
	lg := s.log.With().Str("op", op).Logger()
	if r.err != nil {
		lg.Warn().Err(r.err).Msg("late gateway reply: failed")
		return
	}
	if r.res.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cur, err := s.Repo.GetCharge(ctx, s.DB, r.res.ID)
	if err != nil && !errors.Is(err, domain.ErrChargeNotFound) {
		lg.Error().Err(err).Str("charge_id", r.res.ID).Msg("late gateway reply: load projection")
		return
	}
	ch := s.project(cur, mode, description, r.res)
	if err := s.Repo.SaveCharge(ctx, s.DB, ch); err != nil {
		lg.Warn().Err(err).Str("charge_id", ch.ID).Msg("late gateway reply: not folded")
		return
	}
	lg.Info().Str("charge_id", ch.ID).Str("status", string(ch.Status)).Msg("late gateway reply folded into projection")
}

// project derives the charge projection from a gateway result. prev may be
// nil for a charge the service has not seen before.
func (s *PaymentService) project(prev *domain.Charge, mode domain.ChargeMode, description string, res gateway.Result) *domain.Charge {
	now := s.Clock.Now()
	ch := &domain.Charge{CreatedAt: now}
	if prev != nil {
		cp := *prev
		ch = &cp
	}
	ch.ID = res.ID
	ch.Mode = mode
	if res.Amount > 0 {
		ch.Amount = res.Amount
	}
	if res.Currency != "" {
		ch.Currency = strings.ToLower(res.Currency)
	}
	if description != "" {
		ch.Description = description
	}
	ch.Paid = res.Paid
	ch.Captured = res.Captured
	ch.VerificationStatus = res.VerificationStatus
	if ch.VerificationStatus == "" {
		ch.VerificationStatus = domain.VerificationNone
	}
	ch.CapturedAmount = 0

	switch {
	case res.Released:
		ch.Status = domain.ChargeStatusReleased
		ch.Captured = false
	case res.Captured:
		ch.Status = domain.ChargeStatusCaptured
		ch.CapturedAmount = res.AmountCaptured
		if ch.CapturedAmount == 0 {
			ch.CapturedAmount = ch.Amount
		}
	case res.VerificationStatus == domain.VerificationUnverified && !res.Paid:
		ch.Status = domain.ChargeStatusVerificationPending
	case res.Paid:
		ch.Status = domain.ChargeStatusAuthorized
	default:
		ch.Status = domain.ChargeStatusFailed
		ch.FailureCode = "not_paid"
		ch.FailureMessage = "processor reported the charge as unpaid"
	}
	ch.UpdatedAt = now
	return ch
}
