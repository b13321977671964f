package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/gateway"
	"github.com/tbourn/go-report-checkout/internal/kv"
	"github.com/tbourn/go-report-checkout/internal/observability"
)

func TestCharge_Direct_Captured(t *testing.T) {
	f := newPaymentFixture(t, gateway.NewSandbox())

	res, err := f.svc.Charge(context.Background(), ChargeRequest{Token: gateway.TokenValid, Amount: 10000})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	c := res.Charge
	if c.Status != domain.ChargeStatusCaptured || !c.Paid || c.CapturedAmount != 10000 {
		t.Fatalf("unexpected charge: %+v", c)
	}
	if c.Currency != "usd" || c.Mode != domain.ChargeModeDirect {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if res.CorrelationID != "" || res.Replayed {
		t.Fatalf("unexpected result flags: %+v", res)
	}
	if _, err := f.repo.GetCharge(context.Background(), nil, c.ID); err != nil {
		t.Fatalf("projection not saved: %v", err)
	}
}

func TestAuthorize_WithVerification_PendingAndSession(t *testing.T) {
	f := newPaymentFixture(t, gateway.NewSandbox())
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, ChargeRequest{
		Token:               gateway.TokenValid,
		Amount:              10000,
		RequireVerification: true,
		Subject:             domain.Subject{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if res.Charge.Status != domain.ChargeStatusVerificationPending {
		t.Fatalf("status=%s", res.Charge.Status)
	}
	if res.CorrelationID != res.Charge.ID {
		t.Fatalf("correlation id %q, charge %q", res.CorrelationID, res.Charge.ID)
	}
	var sess domain.VerificationSession
	if err := kv.GetJSON(ctx, f.sessions, "verify:"+res.CorrelationID, &sess); err != nil {
		t.Fatalf("session missing: %v", err)
	}
	if sess.Subject["name"] != "Ada" || sess.Mode != domain.ChargeModeAuthorization || sess.Amount != 10000 {
		t.Fatalf("session=%+v", sess)
	}

	done, err := f.svc.CompleteVerification(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Charge.Status != domain.ChargeStatusAuthorized || done.Charge.VerificationStatus != domain.VerificationVerified {
		t.Fatalf("after verification: %+v", done.Charge)
	}
	if !done.SessionFound || done.Subject["name"] != "Ada" {
		t.Fatalf("verification result: %+v", done)
	}
	if _, err := f.sessions.Get(ctx, "verify:"+res.CorrelationID); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("session should be consumed, got %v", err)
	}

	// A second completion finds no session and still succeeds.
	again, err := f.svc.CompleteVerification(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if again.SessionFound || again.Charge.Status != domain.ChargeStatusAuthorized {
		t.Fatalf("second completion: %+v", again)
	}
}

// unfinishedChallengeGateway answers CompleteVerification with the charge's
// current state until the payer finishes the challenge.
type unfinishedChallengeGateway struct {
	*gateway.Sandbox
	finished atomic.Bool
}

func (g *unfinishedChallengeGateway) CompleteVerification(ctx context.Context, id string) (gateway.Result, error) {
	if !g.finished.Load() {
		return g.Sandbox.VerificationStatus(ctx, id)
	}
	return g.Sandbox.CompleteVerification(ctx, id)
}

func TestCompleteVerification_KeepsSessionWhileChallengePending(t *testing.T) {
	gw := &unfinishedChallengeGateway{Sandbox: gateway.NewSandbox()}
	f := newPaymentFixture(t, gw)
	ctx := context.Background()

	res, err := f.svc.Authorize(ctx, ChargeRequest{
		Token:               gateway.TokenValid,
		Amount:              2500,
		RequireVerification: true,
		Subject:             domain.Subject{"name": "Ada"},
	})
	if err != nil || res.Charge.Status != domain.ChargeStatusVerificationPending {
		t.Fatalf("authorize: %+v %v", res, err)
	}

	early, err := f.svc.CompleteVerification(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("early complete: %v", err)
	}
	if early.Charge.Status != domain.ChargeStatusVerificationPending || !early.SessionFound {
		t.Fatalf("early completion: %+v", early)
	}
	if _, err := f.sessions.Get(ctx, "verify:"+res.CorrelationID); err != nil {
		t.Fatalf("session must survive a pending completion: %v", err)
	}

	gw.finished.Store(true)
	done, err := f.svc.CompleteVerification(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Charge.Status != domain.ChargeStatusAuthorized || !done.SessionFound || done.Subject["name"] != "Ada" {
		t.Fatalf("completion: %+v", done)
	}
	if _, err := f.sessions.Get(ctx, "verify:"+res.CorrelationID); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("session should be consumed, got %v", err)
	}
}

func TestCapture_KeyedRetryOfCapturedCharge(t *testing.T) {
	sb := gateway.NewSandbox()
	f := newPaymentFixture(t, sb)
	ctx := context.Background()

	auth, err := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenValid, Amount: 1000})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	req := CaptureRequest{ChargeID: auth.Charge.ID, Amount: 600, IdempotencyKey: "cap-1"}
	first, err := f.svc.Capture(ctx, req)
	if err != nil || first.Replayed || first.Charge.CapturedAmount != 600 {
		t.Fatalf("first capture: %+v %v", first, err)
	}
	calls := sb.Calls()

	again, err := f.svc.Capture(ctx, req)
	if err != nil || !again.Replayed || again.Charge.CapturedAmount != 600 {
		t.Fatalf("retry: %+v %v", again, err)
	}

	req.Amount = 900
	if _, err := f.svc.Capture(ctx, req); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("reused key with new amount: %v", err)
	}
	if sb.Calls() != calls {
		t.Fatalf("retries reached the gateway: %d -> %d", calls, sb.Calls())
	}
}

func TestCharge_VerifyToken_CompletesToCaptured(t *testing.T) {
	f := newPaymentFixture(t, gateway.NewSandbox())
	ctx := context.Background()

	res, err := f.svc.Charge(ctx, ChargeRequest{Token: gateway.TokenVerify, Amount: 500, Currency: "EUR"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if res.Charge.Status != domain.ChargeStatusVerificationPending || res.Charge.Currency != "eur" {
		t.Fatalf("charge=%+v", res.Charge)
	}
	done, err := f.svc.CompleteVerification(ctx, res.CorrelationID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Charge.Status != domain.ChargeStatusCaptured || done.Charge.CapturedAmount != 500 {
		t.Fatalf("completed charge=%+v", done.Charge)
	}
}

func TestCaptureAndRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("full capture", func(t *testing.T) {
		sb := gateway.NewSandbox()
		f := newPaymentFixture(t, sb)
		auth, err := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenValid, Amount: 10000})
		if err != nil {
			t.Fatalf("authorize: %v", err)
		}
		if auth.Charge.Status != domain.ChargeStatusAuthorized || auth.Charge.Captured {
			t.Fatalf("auth=%+v", auth.Charge)
		}
		got, err := f.svc.Capture(ctx, CaptureRequest{ChargeID: auth.Charge.ID, Amount: 10000})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if got.Charge.Status != domain.ChargeStatusCaptured || got.Charge.CapturedAmount != 10000 {
			t.Fatalf("captured=%+v", got.Charge)
		}

		calls := sb.Calls()
		again, err := f.svc.Capture(ctx, CaptureRequest{ChargeID: auth.Charge.ID})
		if err != nil {
			t.Fatalf("re-capture: %v", err)
		}
		if sb.Calls() != calls || again.Charge.Status != domain.ChargeStatusCaptured {
			t.Fatalf("re-capture should be a no-op: calls %d->%d", calls, sb.Calls())
		}

		_, err = f.svc.Release(ctx, auth.Charge.ID, "")
		if !errors.Is(err, domain.ErrInvalidInput) || !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("release after capture: %v", err)
		}
	})

	t.Run("partial capture and bounds", func(t *testing.T) {
		f := newPaymentFixture(t, gateway.NewSandbox())
		auth, _ := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenValid, Amount: 1000})

		if _, err := f.svc.Capture(ctx, CaptureRequest{ChargeID: auth.Charge.ID, Amount: 1001}); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("over-capture: %v", err)
		}
		got, err := f.svc.Capture(ctx, CaptureRequest{ChargeID: auth.Charge.ID, Amount: 400})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		if got.Charge.CapturedAmount != 400 {
			t.Fatalf("captured amount %d", got.Charge.CapturedAmount)
		}
	})

	t.Run("release", func(t *testing.T) {
		sb := gateway.NewSandbox()
		f := newPaymentFixture(t, sb)
		auth, _ := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenValid, Amount: 10000})

		rel, err := f.svc.Release(ctx, auth.Charge.ID, "rel-1")
		if err != nil {
			t.Fatalf("release: %v", err)
		}
		if rel.Charge.Status != domain.ChargeStatusReleased || rel.Charge.Captured {
			t.Fatalf("released=%+v", rel.Charge)
		}
		calls := sb.Calls()
		if again, err := f.svc.Release(ctx, auth.Charge.ID, ""); err != nil || again.Charge.Status != domain.ChargeStatusReleased {
			t.Fatalf("re-release: %+v %v", again, err)
		}
		if sb.Calls() != calls {
			t.Fatal("re-release should not reach the gateway")
		}
		if _, err := f.svc.Capture(ctx, CaptureRequest{ChargeID: auth.Charge.ID}); !errors.Is(err, domain.ErrInvalidTransition) {
			t.Fatalf("capture after release: %v", err)
		}
	})

	t.Run("unknown charge", func(t *testing.T) {
		f := newPaymentFixture(t, gateway.NewSandbox())
		if _, err := f.svc.Capture(ctx, CaptureRequest{ChargeID: "ch_missing"}); !errors.Is(err, domain.ErrChargeNotFound) {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestCharge_ValidationBeforeGateway(t *testing.T) {
	sb := gateway.NewSandbox()
	f := newPaymentFixture(t, sb)

	cases := []ChargeRequest{
		{Token: "", Amount: 100},
		{Token: gateway.TokenValid, Amount: 0},
		{Token: gateway.TokenValid, Amount: -5},
		{Token: gateway.TokenValid, Amount: 100, Currency: "dollars"},
	}
	for _, req := range cases {
		if _, err := f.svc.Charge(context.Background(), req); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("req %+v: want invalid input, got %v", req, err)
		}
	}
	if sb.Calls() != 0 {
		t.Fatalf("gateway called %d times", sb.Calls())
	}
}

func TestCharge_IdempotentReplay(t *testing.T) {
	sb := gateway.NewSandbox()
	f := newPaymentFixture(t, sb)
	ctx := context.Background()
	req := ChargeRequest{Token: gateway.TokenValid, Amount: 10000, IdempotencyKey: "K1"}

	before := testutil.ToFloat64(observability.IdempotentReplays.WithLabelValues("payments"))
	first, err := f.svc.Charge(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.Charge(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Charge.ID != second.Charge.ID || !second.Replayed || first.Replayed {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if sb.Calls() != 1 {
		t.Fatalf("gateway calls=%d, want 1", sb.Calls())
	}
	if got := testutil.ToFloat64(observability.IdempotentReplays.WithLabelValues("payments")) - before; got != 1 {
		t.Fatalf("replay counter delta=%v", got)
	}

	req.Amount = 20000
	if _, err := f.svc.Charge(ctx, req); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("different request under same key: %v", err)
	}
}

func TestCharge_ConcurrentSameKey_SingleGatewayCall(t *testing.T) {
	sb := gateway.NewSandbox()
	f := newPaymentFixture(t, sb)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Charge(context.Background(), ChargeRequest{Token: gateway.TokenValid, Amount: 10000, IdempotencyKey: "K"})
			errs[i] = err
			if err == nil {
				ids[i] = res.Charge.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("caller %d got %s, want %s", i, ids[i], ids[0])
		}
	}
	if sb.Calls() != 1 {
		t.Fatalf("gateway calls=%d, want 1", sb.Calls())
	}
}

func TestCharge_DeclineIsStored_UnavailableIsNot(t *testing.T) {
	ctx := context.Background()

	t.Run("declined", func(t *testing.T) {
		sb := gateway.NewSandbox()
		f := newPaymentFixture(t, sb)
		req := ChargeRequest{Token: gateway.TokenDeclined, Amount: 100, IdempotencyKey: "D"}
		_, err := f.svc.Charge(ctx, req)
		if !errors.Is(err, domain.ErrGatewayRejected) {
			t.Fatalf("first: %v", err)
		}
		_, err = f.svc.Charge(ctx, req)
		var de *domain.Error
		if !errors.As(err, &de) || de.Kind != domain.KindGatewayRejected || de.Code != "card_declined" {
			t.Fatalf("replayed: %v", err)
		}
		if sb.Calls() != 1 {
			t.Fatalf("gateway calls=%d", sb.Calls())
		}
	})

	t.Run("unavailable", func(t *testing.T) {
		sb := gateway.NewSandbox()
		f := newPaymentFixture(t, sb)
		req := ChargeRequest{Token: gateway.TokenUnavailable, Amount: 100, IdempotencyKey: "U"}
		for i := 0; i < 2; i++ {
			if _, err := f.svc.Charge(ctx, req); !errors.Is(err, domain.ErrGatewayUnavailable) {
				t.Fatalf("attempt %d: %v", i, err)
			}
		}
		if sb.Calls() != 2 {
			t.Fatalf("gateway calls=%d, want 2", sb.Calls())
		}
	})
}

func TestCharge_Timeout_OutcomeUnknownThenFolded(t *testing.T) {
	gw := &slowGateway{Sandbox: gateway.NewSandbox(), release: make(chan struct{})}
	f := newPaymentFixture(t, gw)
	f.svc.Timeout = 20 * time.Millisecond
	ctx := context.Background()
	req := ChargeRequest{Token: gateway.TokenValid, Amount: 700, IdempotencyKey: "T"}

	_, err := f.svc.Charge(ctx, req)
	if !domain.IsOutcomeUnknown(err) || !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("want outcome unknown, got %v", err)
	}
	if ok, _ := f.svc.Guard.Exists(ctx, "T"); ok {
		t.Fatal("ambiguous outcome must not be stored")
	}

	close(gw.release)

	// The late reply lands in the projection.
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.repo.mu.Lock()
		n := len(f.repo.charges)
		f.repo.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late reply was not folded into the projection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Retrying with the same key resolves to the same processor charge.
	res, err := f.svc.Charge(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Charge.Status != domain.ChargeStatusCaptured {
		t.Fatalf("retry charge=%+v", res.Charge)
	}
	if _, err := f.repo.GetCharge(ctx, nil, res.Charge.ID); err != nil {
		t.Fatalf("retry resolved to a different charge: %v", err)
	}
}

func TestVerificationStatus_RefreshesProjection(t *testing.T) {
	f := newPaymentFixture(t, gateway.NewSandbox())
	ctx := context.Background()
	res, _ := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenVerify, Amount: 100})

	c, err := f.svc.VerificationStatus(ctx, res.Charge.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if c.VerificationStatus != domain.VerificationUnverified || c.Status != domain.ChargeStatusVerificationPending {
		t.Fatalf("charge=%+v", c)
	}
	if _, err := f.svc.Get(ctx, ""); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty id: %v", err)
	}
}

func TestSettleHold(t *testing.T) {
	f := newPaymentFixture(t, gateway.NewSandbox())
	ctx := context.Background()

	a, _ := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenValid, Amount: 100})
	if err := f.svc.SettleHold(ctx, a.Charge.ID, true, "settle-a"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	b, _ := f.svc.Authorize(ctx, ChargeRequest{Token: gateway.TokenValid, Amount: 100})
	if err := f.svc.SettleHold(ctx, b.Charge.ID, false, "settle-b"); err != nil {
		t.Fatalf("release: %v", err)
	}

	ca, _ := f.svc.Get(ctx, a.Charge.ID)
	cb, _ := f.svc.Get(ctx, b.Charge.ID)
	if ca.Status != domain.ChargeStatusCaptured || cb.Status != domain.ChargeStatusReleased {
		t.Fatalf("a=%s b=%s", ca.Status, cb.Status)
	}
}
