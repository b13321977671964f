package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/tbourn/go-report-checkout/internal/domain"
)

// GetCharge loads the cached projection of a charge or returns
// domain.ErrChargeNotFound.
func GetCharge(ctx context.Context, db *gorm.DB, id string) (*domain.Charge, error) {
	var c domain.Charge
	err := db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrChargeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCharge inserts or updates a charge projection inside a transaction.
// A write that would move an existing charge backwards in its lifecycle
// fails with domain.ErrInvalidTransition and leaves the row untouched.
func SaveCharge(ctx context.Context, db *gorm.DB, c *domain.Charge) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur domain.Charge
		err := tx.First(&cur, "id = ?", c.ID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(c).Error
		case err != nil:
			return err
		}
		if !cur.Status.CanTransitionTo(c.Status) {
			return fmt.Errorf("charge %s %s -> %s: %w", c.ID, cur.Status, c.Status, domain.ErrInvalidTransition)
		}
		c.CreatedAt = cur.CreatedAt
		return tx.Save(c).Error
	})
}
