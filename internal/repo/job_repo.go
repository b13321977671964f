package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/jobs"
)

// JobStore is a jobs.Store over the jobs table, for deployments where job
// snapshots must survive a restart or be visible to the sweep command.
type JobStore struct {
	db        *gorm.DB
	clock     clock.Clock
	retention jobs.Retention
}

var _ jobs.Store = (*JobStore)(nil)

// NewJobStore binds a JobStore to db.
func NewJobStore(db *gorm.DB, clk clock.Clock, retention jobs.Retention) *JobStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &JobStore{db: db, clock: clk, retention: retention}
}

func (s *JobStore) Create(ctx context.Context, job *domain.Job) error {
	return s.db.WithContext(ctx).Create(job.Clone()).Error
}

func (s *JobStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	var j domain.Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Update reads, mutates and writes the job inside one transaction so that
// concurrent section completions serialise on the row.
func (s *JobStore) Update(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	var out *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur domain.Job
		if err := tx.First(&cur, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrJobNotFound
			}
			return err
		}
		next, err := jobs.ApplyUpdate(&cur, fn)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&domain.Job{}, "id = ?", id).Error
}

// Sweep applies the retention policy in SQL.
func (s *JobStore) Sweep(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	q := s.db.WithContext(ctx)
	var total int64
	if s.retention.MaxAge > 0 {
		res := q.Where("created_at <= ?", now.Add(-s.retention.MaxAge)).Delete(&domain.Job{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	if s.retention.Grace > 0 {
		res := q.Where("status = ? AND updated_at <= ?", domain.JobStatusCompleted, now.Add(-s.retention.Grace)).
			Delete(&domain.Job{})
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}
