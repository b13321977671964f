// Package handlers defines the stable error codes returned in the error
// envelope. Clients branch on these codes; the HTTP status carries the broad
// class and the message is for humans.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "payment_declined",
//	  "message": "card_declined: Your card was declined."
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeUnavailable      = "service_unavailable"

	// Payment and fulfillment:
	ErrCodeInvalidInput        = "invalid_input"
	ErrCodePaymentDeclined     = "payment_declined"
	ErrCodeGatewayUnavailable  = "gateway_unavailable"
	ErrCodeOutcomeUnknown      = "outcome_unknown"
	ErrCodeConfiguration       = "configuration_error"
	ErrCodeIdempotencyConflict = "idempotency_conflict"
	ErrCodeInvalidTransition   = "invalid_transition"
)
