// Package handlers provides HTTP handler implementations for the public API.
//
// This file holds the response helpers: the error envelope, fail/Fail for
// explicit statuses and writeError, which maps classified service errors to
// a status and a stable code in one place.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/http/middleware"
	"github.com/tbourn/go-report-checkout/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"payment_declined"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"card_declined: Your card was declined."`
}

// fail aborts the request with a structured error. 5xx responses are logged
// with the request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: middleware.RequestIDFrom(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for router-level fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// statusFor maps err to an HTTP status and envelope code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return http.StatusConflict, ErrCodeIdempotencyConflict
	case errors.Is(err, domain.ErrChargeNotFound), errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrShuttingDown):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	case domain.IsOutcomeUnknown(err):
		return http.StatusGatewayTimeout, ErrCodeOutcomeUnknown
	}

	switch domain.KindOf(err) {
	case domain.KindInvalidInput:
		return http.StatusBadRequest, ErrCodeInvalidInput
	case domain.KindGatewayRejected:
		return http.StatusPaymentRequired, ErrCodePaymentDeclined
	case domain.KindGatewayUnavailable:
		return http.StatusServiceUnavailable, ErrCodeGatewayUnavailable
	case domain.KindConfiguration:
		return http.StatusInternalServerError, ErrCodeConfiguration
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		return http.StatusConflict, ErrCodeInvalidTransition
	}
	return http.StatusInternalServerError, ErrCodeInternal
}

// writeError translates a service error into the envelope. Gateway messages
// pass through for declines; configuration and internal failures are not
// echoed to the caller.
func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) && de.Message != "" {
		msg = de.Message
		if de.Code != "" && de.Kind == domain.KindGatewayRejected {
			msg = de.Code + ": " + de.Message
		}
	}
	if status == http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().Err(err).Msg("request failed")
		msg = "internal error"
		if code == ErrCodeConfiguration {
			msg = "payment processor is misconfigured"
		}
	}
	_ = c.Error(err)
	fail(c, status, code, msg)
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
