package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-report-checkout/internal/observability"
)

func TestDelay_Schedule(t *testing.T) {
	p := New("t", 5, 100*time.Millisecond, false)
	want := []time.Duration{0, 0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
}

func TestBackOff_JitterBounds(t *testing.T) {
	p := New("t", 4, 100*time.Millisecond, true)

	b := &exponential{policy: p, rnd: func() float64 { return 0.999 }}
	b.Reset()
	if d := b.NextBackOff(); d < 100*time.Millisecond || d >= 150*time.Millisecond {
		t.Fatalf("first delay %v outside [100ms,150ms)", d)
	}
	if d := b.NextBackOff(); d < 200*time.Millisecond || d >= 300*time.Millisecond {
		t.Fatalf("second delay %v outside [200ms,300ms)", d)
	}

	b = &exponential{policy: p, rnd: func() float64 { return 0 }}
	b.Reset()
	if d := b.NextBackOff(); d != 100*time.Millisecond {
		t.Fatalf("zero jitter should give base delay, got %v", d)
	}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	p := New("succeeds", 3, time.Millisecond, false)
	before := testutil.ToFloat64(observability.RetryAttempts.WithLabelValues("succeeds"))

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if got := testutil.ToFloat64(observability.RetryAttempts.WithLabelValues("succeeds")); got != before+2 {
		t.Fatalf("retry metric = %v, want %v", got, before+2)
	}
}

type codedErr struct{ code int }

func (e *codedErr) Error() string { return "coded" }

func TestDo_ReturnsLastErrorUnchanged(t *testing.T) {
	p := New("exhausts", 3, time.Millisecond, true)

	calls := 0
	var last *codedErr
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		last = &codedErr{code: calls}
		return last
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if err != last {
		t.Fatalf("expected the exact last error, got %#v", err)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	fatal := errors.New("fatal")
	p := New("stops", 5, time.Millisecond, false).
		WithRetryable(func(err error) bool { return !errors.Is(err, fatal) })

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return fatal
	})
	if calls != 1 || err != fatal {
		t.Fatalf("calls=%d err=%v; want 1 call and the original error", calls, err)
	}
}

func TestDo_CancelAbortsWait(t *testing.T) {
	p := New("cancel", 5, time.Hour, false)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt before cancel, got %d", calls)
	}
}

func TestValue_ReturnsResult(t *testing.T) {
	p := New("value", 2, time.Millisecond, false)
	n := 0
	got, err := Value(context.Background(), p, func(context.Context) (string, error) {
		n++
		if n == 1 {
			return "", errors.New("once")
		}
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("Value = %q, %v", got, err)
	}
}

func TestZeroPolicy_SingleAttempt(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if err == nil || calls != 1 {
		t.Fatalf("zero policy: calls=%d err=%v", calls, err)
	}
}
