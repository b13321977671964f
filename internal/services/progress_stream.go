package services

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/jobs"
	"github.com/tbourn/go-report-checkout/internal/observability"
)

// ProgressStream turns job snapshots into a sequence of progress events.
type ProgressStream struct {
	Jobs     jobs.Store
	Interval time.Duration
	Clock    clock.Clock

	log zerolog.Logger
}

// NewProgressStream polls store every interval (1s when zero).
func NewProgressStream(store jobs.Store, interval time.Duration) *ProgressStream {
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressStream{
		Jobs:     store,
		Interval: interval,
		Clock:    clock.NewSystem(),
		log:      log.With().Str("component", "progress_stream").Logger(),
	}
}

// Subscribe emits connected, then the current snapshot as a progress event,
// then changes as they are observed. Exactly one terminal event (completed
// or error) is sent before the channel is closed. Cancelling ctx stops the
// subscription and closes the channel without a terminal event.
func (p *ProgressStream) Subscribe(ctx context.Context, jobID string) <-chan domain.ProgressEvent {
	out := make(chan domain.ProgressEvent, 4)
	observability.ActiveStreams.Inc()

	go func() {
		defer close(out)
		defer observability.ActiveStreams.Dec()

		send := func(ev domain.ProgressEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send(domain.ProgressEvent{Type: domain.EventConnected, JobID: jobID, Timestamp: p.Clock.Now()}) {
			return
		}

		job, err := p.Jobs.Get(ctx, jobID)
		if err != nil {
			if ctx.Err() == nil {
				send(p.gone(jobID, err))
			}
			return
		}
		if !send(domain.EventFromJob(domain.EventProgress, job, p.Clock.Now())) {
			return
		}
		if job.Status.Terminal() {
			send(p.terminal(job))
			return
		}

		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()
		last := job
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			job, err := p.Jobs.Get(ctx, jobID)
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, domain.ErrJobNotFound):
				send(p.gone(jobID, err))
				return
			case err != nil:
				p.log.Warn().Err(err).Str("job_id", jobID).Msg("job poll failed")
				continue
			}

			if job.Status.Terminal() {
				send(p.terminal(job))
				return
			}
			if job.Status != last.Status || math.Abs(job.Progress-last.Progress) >= 1 {
				if !send(domain.EventFromJob(domain.EventProgress, job, p.Clock.Now())) {
					return
				}
				last = job
			}
		}
	}()
	return out
}

func (p *ProgressStream) terminal(j *domain.Job) domain.ProgressEvent {
	t := domain.EventCompleted
	if j.Status == domain.JobStatusError {
		t = domain.EventError
	}
	return domain.EventFromJob(t, j, p.Clock.Now())
}

func (p *ProgressStream) gone(jobID string, err error) domain.ProgressEvent {
	if !errors.Is(err, domain.ErrJobNotFound) {
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("job lookup failed")
	}
	return domain.ProgressEvent{
		Type:        domain.EventError,
		JobID:       jobID,
		Status:      domain.JobStatusError,
		Message:     jobGoneMessage,
		ErrorDetail: jobGoneMessage,
		Timestamp:   p.Clock.Now(),
	}
}
