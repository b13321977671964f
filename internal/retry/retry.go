// Package retry runs an operation with bounded exponential backoff.
//
// The delay before attempt n (n >= 2) is BaseDelay * 2^(n-2), optionally
// stretched by up to 50% random jitter. When every attempt fails, Do returns
// the last error exactly as the operation produced it.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-report-checkout/internal/observability"
)

// maxShift caps the exponent so delays cannot overflow.
const maxShift = 20

// Policy describes how an operation is retried. The zero value makes a
// single attempt.
type Policy struct {
	// Name labels logs and the retry_attempts_total metric.
	Name        string
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool

	logger *zerolog.Logger
	rnd    func() float64
}

// New returns a policy with the given shape.
func New(name string, maxAttempts int, base time.Duration, jitter bool) Policy {
	return Policy{Name: name, MaxAttempts: maxAttempts, BaseDelay: base, Jitter: jitter}
}

// WithRetryable returns a copy of p that only retries errors accepted by fn.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithLogger returns a copy of p that logs attempts to l.
func (p Policy) WithLogger(l zerolog.Logger) Policy {
	p.logger = &l
	return p
}

// Delay returns the wait before attempt n without jitter. It is zero for the
// first attempt.
func (p Policy) Delay(n int) time.Duration {
	if n < 2 {
		return 0
	}
	shift := n - 2
	if shift > maxShift {
		shift = maxShift
	}
	return p.BaseDelay << shift
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Cancelling ctx aborts any pending wait and returns
// the context error.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	lg := p.log()

	var (
		attempt int
		lastErr error
	)
	op := func() (T, error) {
		attempt++
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		observability.RetryAttempts.WithLabelValues(p.label()).Inc()
		lg.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("delay", next).
			Msg("attempt failed, retrying")
	}

	v, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&exponential{policy: p, rnd: p.random()}),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && (lastErr == nil || !errors.Is(lastErr, ctxErr)) {
		var zero T
		return zero, ctxErr
	}
	if lastErr != nil {
		err = lastErr
	}
	if attempts > 1 && attempt >= attempts {
		lg.Warn().Err(err).Int("attempts", attempt).Msg("retries exhausted")
	}
	return v, err
}

func (p Policy) label() string {
	if p.Name == "" {
		return "default"
	}
	return p.Name
}

func (p Policy) log() zerolog.Logger {
	if p.logger != nil {
		return *p.logger
	}
	return log.With().Str("component", "retry").Str("policy", p.label()).Logger()
}

func (p Policy) random() func() float64 {
	if p.rnd != nil {
		return p.rnd
	}
	return rand.Float64
}

// exponential implements backoff.BackOff.
type exponential struct {
	policy Policy
	rnd    func() float64
	next   int // attempt number the returned delay precedes
}

func (e *exponential) NextBackOff() time.Duration {
	if e.next < 2 {
		e.next = 2
	}
	d := e.policy.Delay(e.next)
	e.next++
	if e.policy.Jitter && d > 0 {
		d += time.Duration(e.rnd() * 0.5 * float64(d))
	}
	return d
}

func (e *exponential) Reset() { e.next = 2 }
