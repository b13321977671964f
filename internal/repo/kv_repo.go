package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-report-checkout/internal/clock"
	"github.com/tbourn/go-report-checkout/internal/domain"
	"github.com/tbourn/go-report-checkout/internal/kv"
)

// KVStore is a kv.Store over the kv_entries table. Expired rows read as
// absent and are deleted on the read that finds them; Sweep removes the rest.
type KVStore struct {
	db    *gorm.DB
	clock clock.Clock
}

var (
	_ kv.Store   = (*KVStore)(nil)
	_ kv.Sweeper = (*KVStore)(nil)
)

// NewKVStore binds a KVStore to db. A nil clock means the system clock.
func NewKVStore(db *gorm.DB, clk clock.Clock) *KVStore {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &KVStore{db: db, clock: clk}
}

// Get returns the live value for key or kv.ErrNotFound.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	var e domain.KVEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !s.clock.Now().Before(e.ExpiresAt) {
		s.db.WithContext(ctx).
			Where("key = ? AND expires_at <= ?", key, s.clock.Now()).
			Delete(&domain.KVEntry{})
		return nil, kv.ErrNotFound
	}
	return e.Value, nil
}

// Set upserts key with a fresh expiry.
func (s *KVStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.clock.Now()
	e := domain.KVEntry{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "created_at", "expires_at"}),
	}).Create(&e).Error
}

// Delete removes key; a missing key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&domain.KVEntry{}).Error
}

// Sweep deletes every expired row and returns how many were removed.
func (s *KVStore) Sweep(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.clock.Now()).
		Delete(&domain.KVEntry{})
	return res.RowsAffected, res.Error
}
