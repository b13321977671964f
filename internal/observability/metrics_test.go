package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsRegistered(t *testing.T) {
	for name, c := range map[string]prometheus.Collector{
		"PaymentOps":        PaymentOps,
		"IdempotentReplays": IdempotentReplays,
		"RetryAttempts":     RetryAttempts,
		"ContentFallbacks":  ContentFallbacks,
		"JobsFinished":      JobsFinished,
		"ActiveStreams":     ActiveStreams,
		"Settlements":       Settlements,
	} {
		if err := prometheus.Register(c); err == nil {
			t.Fatalf("%s was not registered at init", name)
		}
	}
}

func TestCountersMove(t *testing.T) {
	before := testutil.ToFloat64(PaymentOps.WithLabelValues("charge", "ok"))
	PaymentOps.WithLabelValues("charge", "ok").Inc()
	if got := testutil.ToFloat64(PaymentOps.WithLabelValues("charge", "ok")); got != before+1 {
		t.Fatalf("payment_operations_total = %v, want %v", got, before+1)
	}

	ActiveStreams.Inc()
	ActiveStreams.Dec()
	if got := testutil.ToFloat64(ActiveStreams); got != 0 {
		t.Fatalf("progress_streams_active = %v, want 0", got)
	}
}

func TestResultLabel(t *testing.T) {
	if ResultLabel("", nil) != "ok" {
		t.Fatal("nil error should be ok")
	}
	if ResultLabel("", errors.New("x")) != "error" {
		t.Fatal("unclassified error should be error")
	}
	if ResultLabel("gateway_rejected", errors.New("x")) != "gateway_rejected" {
		t.Fatal("kind should pass through")
	}
}
