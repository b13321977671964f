// Package services holds the checkout business logic: the payment
// orchestrator, the idempotency guard, the fulfillment pipeline and the
// progress stream. This file centralizes service-level error values that are
// not part of the shared domain taxonomy.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import (
	"errors"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

var (
	// ErrEmptySubject is returned when a job is requested without report
	// parameters.
	ErrEmptySubject = &domain.Error{Kind: domain.KindInvalidInput, Message: "subject is required"}

	// ErrShuttingDown is returned by Start once Shutdown has begun.
	ErrShuttingDown = errors.New("fulfillment pipeline is shutting down")
)

// jobGoneMessage is the detail of the synthetic error event sent when a
// subscribed job no longer exists.
const jobGoneMessage = "job not found or expired"
