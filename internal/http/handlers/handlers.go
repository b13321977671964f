// Package handlers exposes the checkout REST endpoints: payments, fulfillment
// jobs with their progress stream, and rendered report downloads.
//
// Handlers are transport-thin: they bind input, call application services and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"strings"

	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/services"
)

// PaymentService is the charge lifecycle consumed by the payment endpoints.
// Implementations must be safe for concurrent use and honor ctx.
type PaymentService interface {
	Charge(ctx context.Context, req services.ChargeRequest) (*services.PaymentResult, error)
	Authorize(ctx context.Context, req services.ChargeRequest) (*services.PaymentResult, error)
	Capture(ctx context.Context, req services.CaptureRequest) (*services.PaymentResult, error)
	Release(ctx context.Context, chargeID, idempotencyKey string) (*services.PaymentResult, error)
	CompleteVerification(ctx context.Context, correlationID string) (*services.VerificationResult, error)
	VerificationStatus(ctx context.Context, chargeID string) (*domain.Charge, error)
	Get(ctx context.Context, chargeID string) (*domain.Charge, error)
}

// FulfillmentService starts and reads report jobs.
type FulfillmentService interface {
	Start(ctx context.Context, req services.StartRequest) (*domain.Job, bool, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// ProgressSource yields the event sequence of one job until it terminates or
// ctx is cancelled.
type ProgressSource interface {
	Subscribe(ctx context.Context, jobID string) <-chan domain.ProgressEvent
}

// ReportStore resolves a public report name to a local file path.
type ReportStore interface {
	Open(name string) (string, error)
}

// Handlers groups the API endpoints.
type Handlers struct {
	svc ServiceSet
}

// ServiceSet bundles handler dependencies. Reports may be nil when rendered
// output is served elsewhere.
type ServiceSet struct {
	Payments    PaymentService
	Fulfillment FulfillmentService
	Progress    ProgressSource
	Reports     ReportStore
	// JobsPath is the public prefix of job URLs, e.g. "/api/v1/jobs".
	JobsPath string
}

// New constructs Handlers bound to svc.
func New(svc ServiceSet) *Handlers {
	svc.JobsPath = strings.TrimRight(svc.JobsPath, "/")
	return &Handlers{svc: svc}
}

// JobAccepted points the client at a started job and its event stream.
type JobAccepted struct {
	JobID       string           `json:"job_id" example:"5b0c7f2e-8d0a-4c55-9d55-3f1c2a6a1d10"`
	Status      domain.JobStatus `json:"status" example:"pending"`
	ProgressURL string           `json:"progress_url" example:"/api/v1/jobs/5b0c7f2e-8d0a-4c55-9d55-3f1c2a6a1d10/events"`
	Replayed    bool             `json:"replayed,omitempty"`
}

func (h *Handlers) accepted(job *domain.Job, replayed bool) *JobAccepted {
	return &JobAccepted{
		JobID:       job.ID,
		Status:      job.Status,
		ProgressURL: h.svc.JobsPath + "/" + job.ID + "/events",
		Replayed:    replayed,
	}
}
