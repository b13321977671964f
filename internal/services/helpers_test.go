package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/gateway"
	"github.com/tbourn/go-report-checkout/internal/jobs"
	"github.com/tbourn/go-report-checkout/internal/kv"
)

// ----- Fake charge repo -----

type memChargeRepo struct {
	mu      sync.Mutex
	charges map[string]domain.Charge
}

func newMemChargeRepo() *memChargeRepo {
	return &memChargeRepo{charges: map[string]domain.Charge{}}
}

func (r *memChargeRepo) GetCharge(_ context.Context, _ *gorm.DB, id string) (*domain.Charge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.charges[id]
	if !ok {
		return nil, domain.ErrChargeNotFound
	}
	return &c, nil
}

func (r *memChargeRepo) SaveCharge(_ context.Context, _ *gorm.DB, c *domain.Charge) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.charges[c.ID]; ok && !cur.Status.CanTransitionTo(c.Status) {
		return domain.ErrInvalidTransition
	}
	r.charges[c.ID] = *c
	return nil
}

// ----- Slow gateway -----

// slowGateway holds Charge calls until release is closed.
type slowGateway struct {
	*gateway.Sandbox
	release chan struct{}
}

func (g *slowGateway) Charge(ctx context.Context, p gateway.Params) (gateway.Result, error) {
	<-g.release
	return g.Sandbox.Charge(ctx, p)
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type paymentFixture struct {
	svc      *PaymentService
	repo     *memChargeRepo
	sessions *kv.Memory
	records  *kv.Memory
}

func newPaymentFixture(t *testing.T, gw gateway.Gateway) *paymentFixture {
	t.Helper()
	clk := clock.NewFixed(testNow)
	f := &paymentFixture{
		repo:     newMemChargeRepo(),
		sessions: kv.NewMemory(clk),
		records:  kv.NewMemory(clk),
	}
	f.svc = NewPaymentService(nil, f.repo, gw, NewIdempotencyGuard(f.records, time.Hour, clk), f.sessions)
	f.svc.Clock = clk
	return f
}

// waitTerminal polls store until job id is terminal.
func waitTerminal(t *testing.T, store jobs.Store, id string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not terminate", id)
	return nil
}
