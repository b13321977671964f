package services

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/content"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/jobs"
	"github.com/tbourn/go-report-checkout/internal/kv"
	"github.com/tbourn/go-report-checkout/internal/observability"
	"github.com/tbourn/go-report-checkout/internal/render"
	"github.com/tbourn/go-report-checkout/internal/retry"
)

// Client keys and charge ids live under separate prefixes, so no client key
// can claim the job slot of a charge.
const (
	jobKeyPrefix    = "jobkey:"
	chargeJobPrefix = "jobcharge:"
)

// Settler captures or releases an authorization hold once its job is done.
type Settler interface {
	SettleHold(ctx context.Context, chargeID string, capture bool, idempotencyKey string) error
}

// StartRequest describes a job to create. ChargeID and ChargeMode link the
// job to the payment that paid for it.
type StartRequest struct {
	Subject        domain.Subject
	IdempotencyKey string
	ChargeID       string
	ChargeMode     domain.ChargeMode
	Amount         int64
	Currency       string
}

type jobKeyRecord struct {
	JobID       string `json:"job_id"`
	Fingerprint string `json:"fingerprint"`
}

// FulfillmentService turns a paid request into a tracked job: it plans the
// report sections, generates them in parallel with retries, renders the
// result and settles authorization holds.
type FulfillmentService struct {
	Jobs     jobs.Store
	Keys     kv.Store
	Producer content.Producer
	Planner  content.Planner
	Renderer render.Renderer
	// Settler is optional; without it holds are left for the operator.
	Settler Settler

	// Retry wraps every section generation.
	Retry retry.Policy
	// SettleRetry wraps hold settlement and only retries unavailability.
	SettleRetry   retry.Policy
	SettleTimeout time.Duration
	Concurrency   int
	KeyTTL        time.Duration
	Clock         clock.Clock
	NewID         func() string

	group   singleflight.Group
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger
}

// NewFulfillmentService returns a pipeline with default retry (3 attempts,
// 1s base, jitter), concurrency 4, three report periods and 24h job keys.
func NewFulfillmentService(store jobs.Store, keys kv.Store, producer content.Producer, renderer render.Renderer) *FulfillmentService {
	ctx, cancel := context.WithCancel(context.Background())
	lg := log.With().Str("component", "fulfillment").Logger()
	return &FulfillmentService{
		Jobs:     store,
		Keys:     keys,
		Producer: producer,
		Planner:  content.NewPlanner(3),
		Renderer: renderer,
		Retry: retry.New("content", 3, time.Second, true).
			WithRetryable(content.Retryable).
			WithLogger(lg),
		SettleRetry: retry.New("settlement", 5, time.Second, true).
			WithRetryable(settlementRetryable).
			WithLogger(lg),
		SettleTimeout: 2 * time.Minute,
		Concurrency:   4,
		KeyTTL:        24 * time.Hour,
		Clock:         clock.NewSystem(),
		NewID:         uuid.NewString,
		baseCtx:       ctx,
		cancel:        cancel,
		log:           lg,
	}
}

func settlementRetryable(err error) bool {
	return domain.KindOf(err) == domain.KindGatewayUnavailable
}

// Start creates a pending job and drives it in the background. The returned
// job is a snapshot; replayed is true when the idempotency key (or the
// charge) already produced a job.
func (s *FulfillmentService) Start(ctx context.Context, req StartRequest) (*domain.Job, bool, error) {
	tr := otel.Tracer("services/FulfillmentService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(
			attribute.String("charge.id", req.ChargeID),
			attribute.Bool("idempotency.keyed", req.IdempotencyKey != ""),
		),
	)
	defer span.End()

	if len(req.Subject) == 0 {
		return nil, false, ErrEmptySubject
	}

	var key string
	fp := Fingerprint("job", req.Subject)
	switch {
	case req.ChargeID != "":
		// One job per charge, whatever key the payment arrived with.
		key, fp = chargeJobPrefix+req.ChargeID, Fingerprint("job", req.ChargeID)
	case req.IdempotencyKey != "":
		key = jobKeyPrefix + req.IdempotencyKey
	}
	if key == "" {
		job, err := s.create(ctx, req)
		return job, false, err
	}

	if job, err := s.lookupKey(ctx, key, fp); err != nil {
		return nil, false, err
	} else if job != nil {
		observability.IdempotentReplays.WithLabelValues("jobs").Inc()
		return job, true, nil
	}

	executed := false
	v, err, _ := s.group.Do(key, func() (any, error) {
		if job, err := s.lookupKey(ctx, key, fp); err != nil || job != nil {
			return job, err
		}
		executed = true
		job, err := s.create(ctx, req)
		if err != nil {
			return nil, err
		}
		rec := jobKeyRecord{JobID: job.ID, Fingerprint: fp}
		if err := kv.SetJSON(ctx, s.Keys, key, rec, s.KeyTTL); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("storing job key failed")
		}
		return job, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	job := v.(*domain.Job).Clone()
	if !executed {
		// Shared someone else's flight; make sure it was the same request.
		if _, err := s.lookupKey(ctx, key, fp); err != nil {
			return nil, false, err
		}
		observability.IdempotentReplays.WithLabelValues("jobs").Inc()
	}
	span.SetAttributes(attribute.String("job.id", job.ID), attribute.Bool("idempotency.replayed", !executed))
	return job, !executed, nil
}

// Get returns a snapshot of a job or domain.ErrJobNotFound.
func (s *FulfillmentService) Get(ctx context.Context, id string) (*domain.Job, error) {
	if id == "" {
		return nil, domain.ErrJobNotFound
	}
	return s.Jobs.Get(ctx, id)
}

// Shutdown stops accepting jobs and waits for running drivers. When ctx
// expires first the drivers are cancelled and ctx's error is returned.
func (s *FulfillmentService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// lookupKey resolves a stored job key, prefix included. A key whose job was
// already swept counts as absent.
func (s *FulfillmentService) lookupKey(ctx context.Context, key, fp string) (*domain.Job, error) {
	var rec jobKeyRecord
	err := kv.GetJSON(ctx, s.Keys, key, &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job key lookup: %w", err)
	}
	if rec.Fingerprint != fp {
		return nil, domain.ErrIdempotencyConflict
	}
	job, err := s.Jobs.Get(ctx, rec.JobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

func (s *FulfillmentService) create(ctx context.Context, req StartRequest) (*domain.Job, error) {
	job := domain.NewJob(s.NewID(), req.Subject, s.Clock.Now())
	job.ChargeID = req.ChargeID
	job.ChargeMode = req.ChargeMode

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrShuttingDown
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.wg.Add(1)
	go s.drive(job.ID, req)

	s.log.Info().Str("job_id", job.ID).Str("charge_id", req.ChargeID).Msg("job queued")
	return job.Clone(), nil
}

// drive runs one job to a terminal state and settles its hold.
func (s *FulfillmentService) drive(id string, req StartRequest) {
	defer s.wg.Done()

	lg := s.log.With().Str("job_id", id).Logger()
	start := time.Now()
	status := domain.JobStatusError
	defer func() {
		if r := recover(); r != nil {
			lg.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("fulfillment driver panicked")
			status = s.fail(id, fmt.Sprintf("%s: internal error", domain.KindFulfillmentFailed))
		}
		observability.JobsFinished.WithLabelValues(string(status)).Inc()
		observability.JobDuration.Observe(time.Since(start).Seconds())
		s.settle(id, req, status == domain.JobStatusCompleted)
	}()

	status = s.run(s.baseCtx, id, req, lg)
}

func (s *FulfillmentService) run(ctx context.Context, id string, req StartRequest, lg zerolog.Logger) domain.JobStatus {
	_, err := s.Jobs.Update(ctx, id, func(j *domain.Job) error {
		now := s.Clock.Now()
		if err := j.Start("generating report", now); err != nil {
			return err
		}
		return j.Advance(5, "", now)
	})
	if err != nil {
		lg.Error().Err(err).Msg("starting job failed")
		return s.fail(id, err.Error())
	}

	sections := s.Planner.Plan(req.Subject)
	degraded, err := s.generate(ctx, id, req.Subject, sections, lg)
	if err != nil {
		lg.Error().Err(err).Msg("content generation aborted")
		return s.fail(id, "content generation aborted: "+err.Error())
	}

	s.advance(ctx, id, 90, "rendering report")
	loc, err := s.Renderer.Render(ctx, render.Input{
		JobID:       id,
		Subject:     req.Subject,
		Sections:    sections,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Degraded:    degraded,
		GeneratedAt: s.Clock.Now(),
	})
	if err != nil {
		lg.Error().Err(err).Msg("render failed")
		return s.fail(id, "render failed: "+err.Error())
	}

	msg := "report ready"
	if degraded {
		msg = "report ready; some sections are temporarily unavailable"
	}
	_, err = s.Jobs.Update(context.WithoutCancel(ctx), id, func(j *domain.Job) error {
		return j.Complete(loc, msg, degraded, s.Clock.Now())
	})
	if err != nil {
		lg.Error().Err(err).Msg("completing job failed")
		return s.fail(id, err.Error())
	}
	lg.Info().Str("location", loc).Bool("degraded", degraded).Msg("job completed")
	return domain.JobStatusCompleted
}

// generate fills sections in place. A section that still fails after its
// retries gets the fallback text; only cancellation aborts the whole job.
func (s *FulfillmentService) generate(
	ctx context.Context,
	id string,
	subject domain.Subject,
	sections []domain.Section,
	lg zerolog.Logger,
) (bool, error) {
	total := len(sections)
	var (
		done     atomic.Int32
		degraded atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for i := range sections {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					lg.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("section producer panicked")
					err = fmt.Errorf("%s: section %q: %v", domain.KindFulfillmentFailed, sections[i].Key, r)
				}
			}()
			sec := &sections[i]
			req := content.Request(*sec, total, subject)
			text, err := retry.Value(gctx, s.Retry, func(ctx context.Context) (string, error) {
				return s.Producer.Generate(ctx, req)
			})
			if err != nil {
				if cerr := gctx.Err(); cerr != nil {
					return cerr
				}
				lg.Warn().Err(err).Str("section", sec.Key).Msg("section failed, using fallback")
				observability.ContentFallbacks.Inc()
				text = content.Fallback(*sec)
				sec.Fallback = true
				degraded.Store(true)
			}
			sec.Content = text

			n := done.Add(1)
			s.advance(gctx, id, 5+80*float64(n)/float64(total), fmt.Sprintf("generated %d of %d sections", n, total))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return degraded.Load(), nil
}

func (s *FulfillmentService) advance(ctx context.Context, id string, progress float64, msg string) {
	_, err := s.Jobs.Update(ctx, id, func(j *domain.Job) error {
		return j.Advance(progress, msg, s.Clock.Now())
	})
	if err != nil {
		s.log.Debug().Err(err).Str("job_id", id).Msg("progress update skipped")
	}
}

// fail records detail as the job's root cause. It writes on a fresh context
// so cancellation during shutdown still leaves the job terminal.
func (s *FulfillmentService) fail(id, detail string) domain.JobStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Jobs.Update(ctx, id, func(j *domain.Job) error {
		return j.Fail(detail, s.Clock.Now())
	})
	if err != nil && !errors.Is(err, domain.ErrJobTerminal) {
		s.log.Error().Err(err).Str("job_id", id).Msg("marking job failed")
	}
	return domain.JobStatusError
}

// settle captures a hold for a completed job and releases it otherwise.
// Direct charges are already settled.
func (s *FulfillmentService) settle(id string, req StartRequest, completed bool) {
	if s.Settler == nil || req.ChargeID == "" || req.ChargeMode != domain.ChargeModeAuthorization {
		return
	}
	action := "release"
	if completed {
		action = "capture"
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.SettleTimeout)
	defer cancel()

	key := "settle-" + id
	err := s.SettleRetry.Do(ctx, func(ctx context.Context) error {
		return s.Settler.SettleHold(ctx, req.ChargeID, completed, key)
	})
	observability.Settlements.WithLabelValues(action, observability.ResultLabel(string(domain.KindOf(err)), err)).Inc()

	lg := s.log.With().Str("job_id", id).Str("charge_id", req.ChargeID).Str("action", action).Logger()
	if err != nil {
		lg.Error().Err(err).Msg("hold settlement failed; manual follow-up required")
		return
	}
	lg.Info().Msg("hold settled")
}
