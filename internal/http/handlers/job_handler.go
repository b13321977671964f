// Fulfillment job handlers.
//
//   - POST /jobs              (start, 202 with a progress URL)
//   - GET  /jobs/{id}         (snapshot)
//   - GET  /jobs/{id}/events  (Server-Sent Events until the job terminates)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/http/middleware"
	"github.com/tbourn/go-report-checkout/internal/services"
)

// StartJobRequest is the JSON payload for POST /jobs.
type StartJobRequest struct {
	Subject domain.Subject `json:"subject"`
	// ChargeID links the job to a paid charge; the charge must be captured or
	// authorized.
	ChargeID string `json:"charge_id,omitempty" example:"ch_5b0c7f2e8d0a"`
}

// StartJob godoc
// @ID          startJob
// @Summary     Start report fulfillment
// @Description Creates a pending job and returns immediately. Follow progress on the returned progress_url.
// @Tags        Jobs
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false "Idempotency key"
// @Param       body             body    handlers.StartJobRequest  true  "Subject"
// @Success     202  {object} handlers.JobAccepted
// @Failure     400  {object} handlers.ErrorResponse "Empty subject or unpaid charge"
// @Failure     404  {object} handlers.ErrorResponse "Charge not found"
// @Failure     409  {object} handlers.ErrorResponse "Idempotency key reused"
// @Failure     503  {object} handlers.ErrorResponse "Shutting down"
// @Router      /jobs [post]
func (h *Handlers) StartJob(c *gin.Context) {
	var req StartJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()
	key, _ := middleware.GetIdempotencyKey(c)

	var (
		job      *domain.Job
		replayed bool
		err      error
	)
	if id := strings.TrimSpace(req.ChargeID); id != "" {
		var ch *domain.Charge
		if ch, err = h.svc.Payments.Get(ctx, id); err != nil {
			writeError(c, err)
			return
		}
		if !paid(ch) {
			writeError(c, domain.InvalidInput("charge %s is %s, not paid", ch.ID, ch.Status))
			return
		}
		job, replayed, err = h.startForCharge(ctx, ch, req.Subject, key)
	} else {
		job, replayed, err = h.svc.Fulfillment.Start(ctx, services.StartRequest{
			Subject:        req.Subject,
			IdempotencyKey: key,
		})
	}
	if err != nil {
		writeError(c, err)
		return
	}
	markReplay(c, replayed)
	ok(c, http.StatusAccepted, h.accepted(job, replayed))
}

// GetJob godoc
// @ID          getJob
// @Summary     Get a job snapshot
// @Tags        Jobs
// @Produce     json
// @Param       id   path     string  true  "Job ID"
// @Success     200  {object} domain.Job
// @Failure     404  {object} handlers.ErrorResponse "Job not found or expired"
// @Router      /jobs/{id} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.svc.Fulfillment.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, job)
}

// StreamJob godoc
// @ID          streamJob
// @Summary     Stream job progress
// @Description Server-Sent Events. The event name is the event type (connected, progress, completed, error); data is a JSON ProgressEvent. The stream ends after exactly one completed or error event. An unknown or expired job yields an error event, not an HTTP error.
// @Tags        Jobs
// @Produce     text/event-stream
// @Param       id   path     string  true  "Job ID"
// @Success     200  {object} domain.ProgressEvent
// @Router      /jobs/{id}/events [get]
func (h *Handlers) StreamJob(c *gin.Context) {
	// The server's write timeout would cut long jobs short.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	c.Status(http.StatusOK)

	// Subscribe closes the channel after the terminal event or once the
	// client goes away.
	for ev := range h.svc.Progress.Subscribe(c.Request.Context(), c.Param("id")) {
		c.SSEvent(string(ev.Type), ev)
		c.Writer.Flush()
	}
}

// GetReport godoc
// @ID          getReport
// @Summary     Download a rendered report
// @Tags        Reports
// @Produce     html
// @Param       name      path   string  true   "Report file name"  example(5b0c7f2e-8d0a-4c55-9d55-3f1c2a6a1d10.html)
// @Param       download  query  bool    false  "Send as attachment"
// @Success     200  {string} string "HTML document"
// @Failure     404  {object} handlers.ErrorResponse "Report not found"
// @Router      /reports/{name} [get]
func (h *Handlers) GetReport(c *gin.Context) {
	if h.svc.Reports == nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "report not found")
		return
	}
	name := c.Param("name")
	path, err := h.svc.Reports.Open(name)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "report not found")
		return
	}
	if c.Query("download") == "true" || c.Query("download") == "1" {
		c.FileAttachment(path, name)
		return
	}
	c.File(path)
}
