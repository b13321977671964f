// Payment HTTP handlers.
//
//   - POST /payments                         (charge or authorize)
//   - GET  /payments/{id}                    (cached projection)
//   - GET  /payments/{id}/verification       (refresh verification state)
//   - POST /payments/{id}/capture            (capture a hold)
//   - POST /payments/{id}/release            (release a hold)
//   - POST /payments/verification/complete   (finish step-up verification)
//
// A paid charge that carries a subject starts its report job in the same
// request; the job is keyed by the charge, so replays return the same job.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/http/middleware"
	"github.com/tbourn/go-report-checkout/internal/services"
)

// CreatePaymentRequest is the JSON payload for POST /payments.
type CreatePaymentRequest struct {
	// Token is the single-use payment instrument from the client-side SDK.
	Token    string `json:"token" example:"tok_visa_4242"`
	Amount   int64  `json:"amount" example:"4900"`
	Currency string `json:"currency" example:"usd"`
	// Mode is "direct" (default) or "authorization".
	Mode                string            `json:"mode" enums:"direct,authorization" example:"authorization"`
	RequireVerification bool              `json:"require_verification"`
	Description         string            `json:"description" example:"Annual outlook report"`
	Metadata            map[string]string `json:"metadata"`
	// Subject describes the report to produce once the payment succeeds.
	Subject domain.Subject `json:"subject"`
}

// CaptureRequest is the optional JSON payload for capturing a hold.
type CaptureRequest struct {
	// Amount in minor units; zero or absent captures the full hold.
	Amount int64 `json:"amount" example:"4900"`
}

// CompleteVerificationRequest is the JSON payload for finishing verification.
type CompleteVerificationRequest struct {
	CorrelationID string `json:"correlation_id" example:"ch_5b0c7f2e8d0a"`
}

// PaymentResponse wraps a charge projection with follow-up pointers.
type PaymentResponse struct {
	Charge *domain.Charge `json:"charge"`
	// CorrelationID is present while step-up verification is pending.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Job is present when the payment started report fulfillment.
	Job *JobAccepted `json:"job,omitempty"`
}

// CreatePayment godoc
// @ID          createPayment
// @Summary     Charge or authorize a payment
// @Description Charges immediately (mode=direct) or places a hold (mode=authorization). Requests with the same Idempotency-Key return the stored outcome. A paid charge with a subject starts report fulfillment.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key"  example(order-7f3a-attempt)
// @Param       body             body    handlers.CreatePaymentRequest  true  "Payment"
//
// @Success     201  {object}  handlers.PaymentResponse
// @Header      201  {string}  Idempotency-Replayed  "true when served from a stored outcome"
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid input"
// @Failure     402  {object}  handlers.ErrorResponse  "Declined"
// @Failure     409  {object}  handlers.ErrorResponse  "Idempotency key reused"
// @Failure     503  {object}  handlers.ErrorResponse  "Processor unavailable"
// @Failure     504  {object}  handlers.ErrorResponse  "Outcome unknown; retry with the same key"
// @Router      /payments [post]
func (h *Handlers) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	in := services.ChargeRequest{
		Token:               req.Token,
		Amount:              req.Amount,
		Currency:            req.Currency,
		Description:         strings.TrimSpace(req.Description),
		Metadata:            req.Metadata,
		RequireVerification: req.RequireVerification,
		IdempotencyKey:      key,
		Subject:             req.Subject,
	}

	ctx := c.Request.Context()
	var (
		res *services.PaymentResult
		err error
	)
	switch domain.ChargeMode(strings.ToLower(strings.TrimSpace(req.Mode))) {
	case "", domain.ChargeModeDirect:
		res, err = h.svc.Payments.Charge(ctx, in)
	case domain.ChargeModeAuthorization:
		res, err = h.svc.Payments.Authorize(ctx, in)
	default:
		fail(c, http.StatusBadRequest, ErrCodeInvalidInput, "mode must be direct or authorization")
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)

	resp := PaymentResponse{Charge: res.Charge, CorrelationID: res.CorrelationID}
	resp.Job = h.startPaidJob(c, res.Charge, req.Subject)
	ok(c, http.StatusCreated, resp)
}

// GetPayment godoc
// @ID          getPayment
// @Summary     Get a payment
// @Tags        Payments
// @Produce     json
// @Param       id   path     string  true  "Charge ID"
// @Success     200  {object} domain.Charge
// @Failure     404  {object} handlers.ErrorResponse "Charge not found"
// @Router      /payments/{id} [get]
func (h *Handlers) GetPayment(c *gin.Context) {
	ch, err := h.svc.Payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ch)
}

// GetVerification godoc
// @ID          getPaymentVerification
// @Summary     Refresh verification status
// @Description Asks the processor for the charge's current step-up verification state and updates the projection.
// @Tags        Payments
// @Produce     json
// @Param       id   path     string  true  "Charge ID"
// @Success     200  {object} domain.Charge
// @Failure     404  {object} handlers.ErrorResponse "Charge not found"
// @Failure     503  {object} handlers.ErrorResponse "Processor unavailable"
// @Router      /payments/{id}/verification [get]
func (h *Handlers) GetVerification(c *gin.Context) {
	ch, err := h.svc.Payments.VerificationStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ch)
}

// CapturePayment godoc
// @ID          capturePayment
// @Summary     Capture a hold
// @Tags        Payments
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Idempotency key"
// @Param       id               path    string  true  "Charge ID"
// @Param       body             body    handlers.CaptureRequest  false  "Partial amount"
// @Success     200  {object} handlers.PaymentResponse
// @Failure     400  {object} handlers.ErrorResponse "Amount exceeds hold or charge not capturable"
// @Failure     404  {object} handlers.ErrorResponse "Charge not found"
// @Failure     503  {object} handlers.ErrorResponse "Processor unavailable"
// @Router      /payments/{id}/capture [post]
func (h *Handlers) CapturePayment(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.svc.Payments.Capture(c.Request.Context(), services.CaptureRequest{
		ChargeID:       c.Param("id"),
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)
	ok(c, http.StatusOK, PaymentResponse{Charge: res.Charge})
}

// ReleasePayment godoc
// @ID          releasePayment
// @Summary     Release a hold
// @Tags        Payments
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Idempotency key"
// @Param       id               path    string  true  "Charge ID"
// @Success     200  {object} handlers.PaymentResponse
// @Failure     400  {object} handlers.ErrorResponse "Charge not releasable"
// @Failure     404  {object} handlers.ErrorResponse "Charge not found"
// @Failure     503  {object} handlers.ErrorResponse "Processor unavailable"
// @Router      /payments/{id}/release [post]
func (h *Handlers) ReleasePayment(c *gin.Context) {
	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.svc.Payments.Release(c.Request.Context(), c.Param("id"), key)
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, res.Replayed)
	ok(c, http.StatusOK, PaymentResponse{Charge: res.Charge})
}

// CompleteVerification godoc
// @ID          completePaymentVerification
// @Summary     Complete step-up verification
// @Description Finalizes a pending charge after the payer finished verification. When the charge is paid and the stored session carries a subject, report fulfillment starts.
// @Tags        Payments
// @Accept      json
// @Produce     json
// @Param       body  body     handlers.CompleteVerificationRequest  true  "Correlation"
// @Success     200   {object} handlers.PaymentResponse
// @Failure     400   {object} handlers.ErrorResponse "Missing correlation id"
// @Failure     402   {object} handlers.ErrorResponse "Verification failed"
// @Failure     404   {object} handlers.ErrorResponse "Charge not found"
// @Failure     503   {object} handlers.ErrorResponse "Processor unavailable"
// @Router      /payments/verification/complete [post]
func (h *Handlers) CompleteVerification(c *gin.Context) {
	var req CompleteVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	res, err := h.svc.Payments.CompleteVerification(c.Request.Context(), strings.TrimSpace(req.CorrelationID))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := PaymentResponse{Charge: res.Charge}
	resp.Job = h.startPaidJob(c, res.Charge, res.Subject)
	ok(c, http.StatusOK, resp)
}

// startPaidJob starts fulfillment for a paid charge. A failure here does not
// undo the payment: the client can retry through POST /jobs with the charge
// id, which resolves to the same job.
func (h *Handlers) startPaidJob(c *gin.Context, ch *domain.Charge, subject domain.Subject) *JobAccepted {
	if h.svc.Fulfillment == nil || ch == nil || len(subject) == 0 || !paid(ch) {
		return nil
	}
	job, replayed, err := h.startForCharge(c.Request.Context(), ch, subject, "")
	if err != nil {
		middleware.LoggerFrom(c).Error().Err(err).Str("charge_id", ch.ID).Msg("start fulfillment after payment")
		return nil
	}
	return h.accepted(job, replayed)
}

func (h *Handlers) startForCharge(ctx context.Context, ch *domain.Charge, subject domain.Subject, key string) (*domain.Job, bool, error) {
	return h.svc.Fulfillment.Start(ctx, services.StartRequest{
		Subject:        subject,
		IdempotencyKey: key,
		ChargeID:       ch.ID,
		ChargeMode:     ch.Mode,
		Amount:         ch.Amount,
		Currency:       ch.Currency,
	})
}

// paid reports whether funds are captured or held.
func paid(ch *domain.Charge) bool {
	return ch.Status == domain.ChargeStatusCaptured || ch.Status == domain.ChargeStatusAuthorized
}

func markReplay(c *gin.Context, replayed bool) {
	if replayed {
		c.Header(middleware.HeaderIdempotencyReplayed, "true")
	}
}
