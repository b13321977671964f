package kv

import (
	"context"
	"sync"
	"time"

	"github.com/tbourn/go-report-checkout/internal/clock"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is a process-local Store. Expired entries are dropped lazily on
// access and in bulk by Sweep. It is a single-instance implementation: state
// does not survive restarts and is not shared across replicas.
type Memory struct {
	mu    sync.RWMutex
	data  map[string]entry
	clock clock.Clock
}

// NewMemory returns an empty Memory store. A nil clock uses the system clock.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Memory{data: make(map[string]entry), clock: clk}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	now := m.clock.Now()

	m.mu.RLock()
	e, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !now.Before(e.expiresAt) {
		m.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if cur, ok := m.data[key]; ok && !now.Before(cur.expiresAt) {
			delete(m.data, key)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.mu.Lock()
	m.data[key] = entry{value: buf, expiresAt: m.clock.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep(_ context.Context) (int64, error) {
	now := m.clock.Now()
	var n int64
	m.mu.Lock()
	for k, e := range m.data {
		if !now.Before(e.expiresAt) {
			delete(m.data, k)
			n++
		}
	}
	m.mu.Unlock()
	return n, nil
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
