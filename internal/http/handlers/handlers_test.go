package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/http/middleware"
	"github.com/tbourn/go-report-checkout/internal/services"
)

//
// Fakes
//

type fakePayments struct {
	mu       sync.Mutex
	requests []services.ChargeRequest
	modes    []domain.ChargeMode
	captures []services.CaptureRequest
	released []string

	result   *services.PaymentResult
	err      error
	charges  map[string]*domain.Charge
	verified *services.VerificationResult
}

func (f *fakePayments) create(mode domain.ChargeMode, req services.ChargeRequest) (*services.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.modes = append(f.modes, mode)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakePayments) Charge(_ context.Context, req services.ChargeRequest) (*services.PaymentResult, error) {
	return f.create(domain.ChargeModeDirect, req)
}

func (f *fakePayments) Authorize(_ context.Context, req services.ChargeRequest) (*services.PaymentResult, error) {
	return f.create(domain.ChargeModeAuthorization, req)
}

func (f *fakePayments) Capture(_ context.Context, req services.CaptureRequest) (*services.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures = append(f.captures, req)
	return f.result, f.err
}

func (f *fakePayments) Release(_ context.Context, id, _ string) (*services.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return f.result, f.err
}

func (f *fakePayments) CompleteVerification(_ context.Context, correlationID string) (*services.VerificationResult, error) {
	if correlationID == "" {
		return nil, domain.InvalidInput("correlation id is required")
	}
	return f.verified, f.err
}

func (f *fakePayments) VerificationStatus(ctx context.Context, id string) (*domain.Charge, error) {
	return f.Get(ctx, id)
}

func (f *fakePayments) Get(_ context.Context, id string) (*domain.Charge, error) {
	if ch, ok := f.charges[id]; ok {
		return ch, nil
	}
	return nil, domain.ErrChargeNotFound
}

type fakeFulfillment struct {
	mu      sync.Mutex
	started []services.StartRequest
	jobs    map[string]*domain.Job
	err     error
}

func (f *fakeFulfillment) Start(_ context.Context, req services.StartRequest) (*domain.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	if len(req.Subject) == 0 {
		return nil, false, services.ErrEmptySubject
	}
	f.started = append(f.started, req)
	return &domain.Job{ID: "job-1", Status: domain.JobStatusPending}, len(f.started) > 1, nil
}

func (f *fakeFulfillment) Get(_ context.Context, id string) (*domain.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, domain.ErrJobNotFound
}

type fakeProgress []domain.ProgressEvent

func (p fakeProgress) Subscribe(_ context.Context, _ string) <-chan domain.ProgressEvent {
	ch := make(chan domain.ProgressEvent, len(p))
	for _, ev := range p {
		ch <- ev
	}
	close(ch)
	return ch
}

type fakeReports map[string]string

func (r fakeReports) Open(name string) (string, error) {
	if p, ok := r[name]; ok {
		return p, nil
	}
	return "", os.ErrNotExist
}

//
// Harness
//

type harness struct {
	r        *gin.Engine
	payments *fakePayments
	jobs     *fakeFulfillment
}

func newHarness(t *testing.T, progress fakeProgress, reports fakeReports) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := &harness{
		payments: &fakePayments{charges: map[string]*domain.Charge{}},
		jobs:     &fakeFulfillment{jobs: map[string]*domain.Job{}},
	}
	hs := New(ServiceSet{
		Payments:    h.payments,
		Fulfillment: h.jobs,
		Progress:    progress,
		Reports:     reports,
		JobsPath:    "/api/v1/jobs/",
	})

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	r.POST("/payments", hs.CreatePayment)
	r.GET("/payments/:id", hs.GetPayment)
	r.GET("/payments/:id/verification", hs.GetVerification)
	r.POST("/payments/:id/capture", hs.CapturePayment)
	r.POST("/payments/:id/release", hs.ReleasePayment)
	r.POST("/payments/verification/complete", hs.CompleteVerification)
	r.POST("/jobs", hs.StartJob)
	r.GET("/jobs/:id", hs.GetJob)
	r.GET("/jobs/:id/events", hs.StreamJob)
	r.GET("/reports/:name", hs.GetReport)
	h.r = r
	return h
}

func (h *harness) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func captured(id string) *domain.Charge {
	return &domain.Charge{
		ID: id, Amount: 4900, Currency: "usd", Mode: domain.ChargeModeDirect,
		Status: domain.ChargeStatusCaptured, Paid: true, Captured: true, CapturedAmount: 4900,
	}
}

//
// Payments
//

func TestCreatePayment_DirectStartsJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.payments.result = &services.PaymentResult{Charge: captured("ch_1")}

	w := h.do(http.MethodPost, "/payments",
		`{"token":"tok_valid","amount":4900,"currency":"USD","subject":{"name":"Ada"}}`,
		"Idempotency-Key", "order-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	resp := decode[PaymentResponse](t, w)
	if resp.Charge == nil || resp.Charge.ID != "ch_1" {
		t.Fatalf("charge=%+v", resp.Charge)
	}
	if resp.Job == nil || resp.Job.ProgressURL != "/api/v1/jobs/job-1/events" {
		t.Fatalf("job=%+v", resp.Job)
	}
	if w.Header().Get(middleware.HeaderIdempotencyReplayed) != "" {
		t.Fatalf("first request must not be marked as replay")
	}

	if got := h.payments.modes; len(got) != 1 || got[0] != domain.ChargeModeDirect {
		t.Fatalf("modes=%v", got)
	}
	if h.payments.requests[0].IdempotencyKey != "order-1" {
		t.Fatalf("key not forwarded: %+v", h.payments.requests[0])
	}
	start := h.jobs.started[0]
	if start.ChargeID != "ch_1" || start.ChargeMode != domain.ChargeModeDirect || start.Amount != 4900 || start.Subject["name"] != "Ada" {
		t.Fatalf("start=%+v", start)
	}
}

func TestCreatePayment_AuthorizationReplay(t *testing.T) {
	h := newHarness(t, nil, nil)
	ch := captured("ch_2")
	ch.Mode, ch.Status, ch.Captured, ch.CapturedAmount = domain.ChargeModeAuthorization, domain.ChargeStatusAuthorized, false, 0
	h.payments.result = &services.PaymentResult{Charge: ch, Replayed: true}

	w := h.do(http.MethodPost, "/payments", `{"token":"tok_valid","amount":4900,"mode":"Authorization"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("replay header missing")
	}
	if h.payments.modes[0] != domain.ChargeModeAuthorization {
		t.Fatalf("mode=%v", h.payments.modes[0])
	}
	if resp := decode[PaymentResponse](t, w); resp.Job != nil {
		t.Fatalf("no subject, no job: %+v", resp.Job)
	}
}

func TestCreatePayment_VerificationPendingHasNoJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ch := &domain.Charge{ID: "ch_3", Amount: 100, Currency: "usd", Mode: domain.ChargeModeDirect, Status: domain.ChargeStatusVerificationPending}
	h.payments.result = &services.PaymentResult{Charge: ch, CorrelationID: "ch_3"}

	w := h.do(http.MethodPost, "/payments", `{"token":"tok_verify","amount":100,"require_verification":true,"subject":{"name":"Ada"}}`)
	resp := decode[PaymentResponse](t, w)
	if resp.CorrelationID != "ch_3" || resp.Job != nil {
		t.Fatalf("resp=%+v", resp)
	}
	if len(h.jobs.started) != 0 {
		t.Fatalf("job started before verification")
	}
}

func TestCreatePayment_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, ErrCodeBadRequest},
		{"bad mode", `{"token":"t","amount":1,"mode":"layaway"}`, nil, http.StatusBadRequest, ErrCodeInvalidInput},
		{"declined", `{"token":"tok_declined","amount":1}`, &domain.Error{Kind: domain.KindGatewayRejected, Code: "card_declined", Message: "declined"}, http.StatusPaymentRequired, ErrCodePaymentDeclined},
		{"timeout", `{"token":"tok_valid","amount":1}`, &domain.Error{Kind: domain.KindGatewayUnavailable, OutcomeUnknown: true}, http.StatusGatewayTimeout, ErrCodeOutcomeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			h.payments.err = tc.err
			w := h.do(http.MethodPost, "/payments", tc.body)
			if w.Code != tc.status {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if got := decode[ErrorResponse](t, w); got.Code != tc.code || got.RequestID == "" {
				t.Fatalf("resp=%+v", got)
			}
		})
	}
}

func TestCreatePayment_InvalidIdempotencyKey(t *testing.T) {
	h := newHarness(t, nil, nil)
	w := h.do(http.MethodPost, "/payments", `{"token":"t","amount":1}`, "Idempotency-Key", "has spaces")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
	if len(h.payments.requests) != 0 {
		t.Fatalf("service must not be called")
	}
}

func TestCaptureAndRelease(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.payments.result = &services.PaymentResult{Charge: captured("ch_4")}

	if w := h.do(http.MethodPost, "/payments/ch_4/capture", ""); w.Code != http.StatusOK {
		t.Fatalf("empty body capture status=%d body=%s", w.Code, w.Body.String())
	}
	if w := h.do(http.MethodPost, "/payments/ch_4/capture", `{"amount":1200}`, "Idempotency-Key", "cap-1"); w.Code != http.StatusOK {
		t.Fatalf("partial capture status=%d", w.Code)
	}
	if got := h.payments.captures; len(got) != 2 || got[0].Amount != 0 || got[1].Amount != 1200 || got[1].IdempotencyKey != "cap-1" || got[1].ChargeID != "ch_4" {
		t.Fatalf("captures=%+v", got)
	}

	if w := h.do(http.MethodPost, "/payments/ch_4/release", ""); w.Code != http.StatusOK {
		t.Fatalf("release status=%d", w.Code)
	}
	if got := h.payments.released; len(got) != 1 || got[0] != "ch_4" {
		t.Fatalf("released=%v", got)
	}

	h.payments.err = domain.InvalidInput("charge ch_4 cannot be captured")
	if w := h.do(http.MethodPost, "/payments/ch_4/capture", `{"amount":-1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid capture status=%d", w.Code)
	}
}

func TestGetPayment(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.payments.charges["ch_5"] = captured("ch_5")

	w := h.do(http.MethodGet, "/payments/ch_5", "")
	if w.Code != http.StatusOK || decode[domain.Charge](t, w).ID != "ch_5" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := h.do(http.MethodGet, "/payments/nope/verification", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestCompleteVerification_StartsJobWithSessionSubject(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.payments.verified = &services.VerificationResult{
		Charge:       captured("ch_6"),
		Subject:      domain.Subject{"name": "Grace"},
		SessionFound: true,
	}

	w := h.do(http.MethodPost, "/payments/verification/complete", `{"correlation_id":"ch_6"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if resp := decode[PaymentResponse](t, w); resp.Job == nil || resp.Job.JobID != "job-1" {
		t.Fatalf("resp=%+v", resp)
	}
	if got := h.jobs.started; len(got) != 1 || got[0].Subject["name"] != "Grace" || got[0].ChargeID != "ch_6" {
		t.Fatalf("started=%+v", got)
	}

	if w := h.do(http.MethodPost, "/payments/verification/complete", `{"correlation_id":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank correlation status=%d", w.Code)
	}
}

func TestCreatePayment_JobStartFailureKeepsPayment(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.payments.result = &services.PaymentResult{Charge: captured("ch_7")}
	h.jobs.err = services.ErrShuttingDown

	w := h.do(http.MethodPost, "/payments", `{"token":"tok_valid","amount":4900,"subject":{"name":"Ada"}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d", w.Code)
	}
	if resp := decode[PaymentResponse](t, w); resp.Charge.ID != "ch_7" || resp.Job != nil {
		t.Fatalf("resp=%+v", resp)
	}
}

//
// Jobs
//

func TestStartJob(t *testing.T) {
	h := newHarness(t, nil, nil)

	w := h.do(http.MethodPost, "/jobs", `{"subject":{"name":"Ada"}}`, "Idempotency-Key", "job-key")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if got := decode[JobAccepted](t, w); got.JobID != "job-1" || got.Status != domain.JobStatusPending {
		t.Fatalf("accepted=%+v", got)
	}
	if h.jobs.started[0].IdempotencyKey != "job-key" || h.jobs.started[0].ChargeID != "" {
		t.Fatalf("start=%+v", h.jobs.started[0])
	}

	w = h.do(http.MethodPost, "/jobs", `{"subject":{"name":"Ada"}}`, "Idempotency-Key", "job-key")
	if w.Header().Get(middleware.HeaderIdempotencyReplayed) != "true" {
		t.Fatalf("second start should be a replay")
	}

	if w := h.do(http.MethodPost, "/jobs", `{"subject":{}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty subject status=%d", w.Code)
	}
}

func TestStartJob_ForCharge(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.payments.charges["ch_paid"] = captured("ch_paid")
	h.payments.charges["ch_pending"] = &domain.Charge{ID: "ch_pending", Status: domain.ChargeStatusVerificationPending}

	if w := h.do(http.MethodPost, "/jobs", `{"subject":{"name":"Ada"},"charge_id":"ch_paid"}`); w.Code != http.StatusAccepted {
		t.Fatalf("paid status=%d", w.Code)
	}
	if got := h.jobs.started[0]; got.ChargeID != "ch_paid" || got.Currency != "usd" {
		t.Fatalf("start=%+v", got)
	}
	if w := h.do(http.MethodPost, "/jobs", `{"subject":{"name":"Ada"},"charge_id":"ch_pending"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unpaid status=%d", w.Code)
	}
	if w := h.do(http.MethodPost, "/jobs", `{"subject":{"name":"Ada"},"charge_id":"ch_missing"}`); w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.jobs.jobs["j1"] = &domain.Job{ID: "j1", Status: domain.JobStatusProcessing, Progress: 42}

	w := h.do(http.MethodGet, "/jobs/j1", "")
	if w.Code != http.StatusOK || decode[domain.Job](t, w).Progress != 42 {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := h.do(http.MethodGet, "/jobs/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestStreamJob_WritesEventsInOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := newHarness(t, fakeProgress{
		{Type: domain.EventConnected, JobID: "j1", Timestamp: now},
		{Type: domain.EventProgress, JobID: "j1", Status: domain.JobStatusProcessing, Progress: 50, Timestamp: now},
		{Type: domain.EventCompleted, JobID: "j1", Status: domain.JobStatusCompleted, Progress: 100, ResultLocation: "/api/v1/reports/j1.html", Timestamp: now},
	}, nil)

	w := h.do(http.MethodGet, "/jobs/j1/events", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content-type=%q", ct)
	}
	body := w.Body.String()
	iConn := strings.Index(body, "event:connected")
	iProg := strings.Index(body, "event:progress")
	iDone := strings.Index(body, "event:completed")
	if iConn < 0 || iProg < iConn || iDone < iProg {
		t.Fatalf("events out of order:\n%s", body)
	}
	if !strings.Contains(body, `"result_location":"/api/v1/reports/j1.html"`) {
		t.Fatalf("terminal event lacks location:\n%s", body)
	}
}

//
// Reports
//

func TestGetReport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "j1.html")
	if err := os.WriteFile(path, []byte("<html>report</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, nil, fakeReports{"j1.html": path})

	w := h.do(http.MethodGet, "/reports/j1.html", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "report") {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); cd != "" {
		t.Fatalf("inline view got disposition %q", cd)
	}

	w = h.do(http.MethodGet, "/reports/j1.html?download=1", "")
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("disposition=%q", cd)
	}

	if w := h.do(http.MethodGet, "/reports/other.html", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", w.Code)
	}
}

func TestGetReport_NoStore(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hs := New(ServiceSet{})
	r := gin.New()
	r.GET("/reports/:name", hs.GetReport)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reports/x.html", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status=%d", w.Code)
	}
}
