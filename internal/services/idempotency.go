package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/kv"
	"github.com/tbourn/go-report-checkout/internal/observability"
)

const idempotencyPrefix = "idem:"

// IdempotencyGuard runs an operation at most once per caller-supplied key
// and replays its stored outcome afterwards.
//
// Only terminal outcomes are stored: successes, invalid input and processor
// declines. Unavailability and configuration failures are returned but not
// remembered, so a retry under the same key runs the operation again and
// resolves whatever was left ambiguous. Concurrent callers with the same key
// inside this process share one execution.
type IdempotencyGuard struct {
	store kv.Store
	ttl   time.Duration
	clock clock.Clock
	group singleflight.Group
	log   zerolog.Logger
}

// NewIdempotencyGuard stores records in s for ttl.
func NewIdempotencyGuard(s kv.Store, ttl time.Duration, clk clock.Clock) *IdempotencyGuard {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &IdempotencyGuard{
		store: s,
		ttl:   ttl,
		clock: clk,
		log:   log.With().Str("component", "idempotency").Logger(),
	}
}

// Fingerprint hashes an operation name and its request parameters. Two
// requests are the same request iff their fingerprints match.
func Fingerprint(op string, parts ...any) string {
	raw, err := json.Marshal(append([]any{op}, parts...))
	if err != nil {
		raw = []byte(fmt.Sprint(op, parts))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

type flight struct {
	rec *domain.IdempotencyRecord
	err error
}

// Execute returns the stored outcome for key when one exists, otherwise it
// runs op and stores the result. An empty key disables the guard. A key
// already bound to a different fingerprint fails with
// domain.ErrIdempotencyConflict.
func (g *IdempotencyGuard) Execute(
	ctx context.Context,
	key, fingerprint string,
	op func(context.Context) (domain.Outcome, error),
) (out domain.Outcome, replayed bool, err error) {
	if key == "" {
		out, err = op(ctx)
		return out, false, err
	}

	if rec, err := g.lookup(ctx, key); err != nil {
		return domain.Outcome{}, false, err
	} else if rec != nil {
		return g.replay(rec, fingerprint)
	}

	executed := false
	v, _, _ := g.group.Do(key, func() (any, error) {
		// A flight that finished just before this one may have stored it.
		if rec, err := g.lookup(ctx, key); err == nil && rec != nil {
			return flight{rec: rec}, nil
		}
		executed = true
		res, opErr := op(ctx)
		rec := &domain.IdempotencyRecord{
			Key:         key,
			Fingerprint: fingerprint,
			CreatedAt:   g.clock.Now(),
			Outcome:     res,
		}
		if opErr != nil {
			rec.Outcome = domain.Outcome{Error: errorOutcome(opErr)}
		}
		if storable(opErr) {
			if err := kv.SetJSON(ctx, g.store, idempotencyPrefix+key, rec, g.ttl); err != nil {
				g.log.Warn().Err(err).Str("key", key).Msg("storing idempotency record failed")
			}
		}
		return flight{rec: rec, err: opErr}, nil
	})
	f := v.(flight)

	if executed {
		if f.err != nil {
			return domain.Outcome{}, false, f.err
		}
		return cloneOutcome(f.rec.Outcome), false, nil
	}
	if f.err != nil && !storable(f.err) {
		// Shared a flight that ended ambiguously; report it as such.
		return domain.Outcome{}, false, f.err
	}
	return g.replay(f.rec, fingerprint)
}

// Exists reports whether a live record is stored for key.
func (g *IdempotencyGuard) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := g.lookup(ctx, key)
	return rec != nil, err
}

func (g *IdempotencyGuard) lookup(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := kv.GetJSON(ctx, g.store, idempotencyPrefix+key, &rec)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return &rec, nil
}

func (g *IdempotencyGuard) replay(rec *domain.IdempotencyRecord, fingerprint string) (domain.Outcome, bool, error) {
	if rec.Fingerprint != fingerprint {
		return domain.Outcome{}, false, domain.ErrIdempotencyConflict
	}
	observability.IdempotentReplays.WithLabelValues("payments").Inc()
	if err := rec.Outcome.Err(); err != nil {
		return domain.Outcome{}, true, err
	}
	return cloneOutcome(rec.Outcome), true, nil
}

// storable reports whether an operation result is final enough to replay.
func storable(err error) bool {
	if err == nil {
		return true
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidInput, domain.KindGatewayRejected:
		return true
	default:
		return false
	}
}

func errorOutcome(err error) *domain.ErrorOutcome {
	var de *domain.Error
	if errors.As(err, &de) {
		return &domain.ErrorOutcome{Kind: de.Kind, Code: de.Code, Message: de.Message}
	}
	return &domain.ErrorOutcome{Message: err.Error()}
}

func cloneOutcome(o domain.Outcome) domain.Outcome {
	if o.Charge != nil {
		cp := *o.Charge
		o.Charge = &cp
	}
	return o
}
