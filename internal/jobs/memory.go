package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
)

// Memory is an in-process Store guarded by a RWMutex. Progress streams read
// far more often than the pipeline writes.
type Memory struct {
	mu        sync.RWMutex
	jobs      map[string]*domain.Job
	clock     clock.Clock
	retention Retention
}

// NewMemory returns an empty store with the given retention policy.
func NewMemory(clk clock.Clock, retention Retention) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{jobs: make(map[string]*domain.Job), clock: clk, retention: retention}
}

func (m *Memory) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("jobs: duplicate id %s", job.ID)
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) Update(_ context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	next, err := applyUpdate(cur, fn)
	if err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return next.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sweep(_ context.Context) (int64, error) {
	now := m.clock.Now()
	var n int64
	m.mu.Lock()
	for id, j := range m.jobs {
		if m.retention.Expired(j, now) {
			delete(m.jobs, id)
			n++
		}
	}
	m.mu.Unlock()
	return n, nil
}

// Len returns the number of tracked jobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}
