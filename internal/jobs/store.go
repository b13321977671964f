// Package jobs holds the registry of fulfillment jobs. Store is the contract
// the pipeline and the progress stream depend on; Memory is the
// single-instance implementation and repo.JobStore the SQLite-backed one.
package jobs

import (
	"context"
	"time"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

// Store is a registry of jobs keyed by id. Get and Update return copies;
// callers never share a *domain.Job with the store.
type Store interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	// Update applies fn to a copy of the job and persists the result. Terminal
	// jobs are rejected with domain.ErrJobTerminal before fn runs, and progress
	// is never allowed to decrease.
	Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error)
	Delete(ctx context.Context, id string) error
	// Sweep deletes jobs the retention policy no longer keeps.
	Sweep(ctx context.Context) (int64, error)
}

// Retention bounds how long jobs are kept.
type Retention struct {
	// Grace is how long a completed job stays fetchable after completion.
	Grace time.Duration
	// MaxAge removes any job, whatever its status, once it is this old.
	MaxAge time.Duration
}

// DefaultRetention keeps completed jobs for 10 minutes and nothing past 30.
var DefaultRetention = Retention{Grace: 10 * time.Minute, MaxAge: 30 * time.Minute}

// Expired reports whether j should be removed at now.
func (r Retention) Expired(j *domain.Job, now time.Time) bool {
	if r.MaxAge > 0 && now.Sub(j.CreatedAt) >= r.MaxAge {
		return true
	}
	return r.Grace > 0 && j.Status == domain.JobStatusCompleted && now.Sub(j.UpdatedAt) >= r.Grace
}

// applyUpdate runs fn on a copy of cur and enforces the store-level
// invariants. It is shared by every Store implementation.
func applyUpdate(cur *domain.Job, fn func(*domain.Job) error) (*domain.Job, error) {
	if cur.Status.Terminal() {
		return nil, domain.ErrJobTerminal
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.Progress < cur.Progress {
		next.Progress = cur.Progress
	}
	if next.Progress > 100 {
		next.Progress = 100
	}
	next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
	return next, nil
}

// ApplyUpdate is applyUpdate for stores outside this package.
func ApplyUpdate(cur *domain.Job, fn func(*domain.Job) error) (*domain.Job, error) {
	return applyUpdate(cur, fn)
}
