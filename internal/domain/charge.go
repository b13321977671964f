// Package domain defines the core models of the checkout: charges and their
// state machine, idempotency records, verification sessions, fulfillment jobs
// and progress events, together with the classified error taxonomy shared by
// every layer.
package domain

import (
	"fmt"
	"time"
)

// ChargeMode selects between capturing funds immediately and placing a hold.
type ChargeMode string

const (
	ChargeModeDirect        ChargeMode = "direct"
	ChargeModeAuthorization ChargeMode = "authorization"
)

// Valid reports whether m is a known mode.
func (m ChargeMode) Valid() bool {
	return m == ChargeModeDirect || m == ChargeModeAuthorization
}

// ChargeStatus is the lifecycle state of a Charge.
type ChargeStatus string

const (
	ChargeStatusCreated             ChargeStatus = "created"
	ChargeStatusVerificationPending ChargeStatus = "verification_pending"
	ChargeStatusAuthorized          ChargeStatus = "authorized"
	ChargeStatusCaptured            ChargeStatus = "captured"
	ChargeStatusReleased            ChargeStatus = "released"
	ChargeStatusFailed              ChargeStatus = "failed"
)

// rank orders statuses along the only allowed direction of travel.
// Captured, released and failed share the terminal rank.
func (s ChargeStatus) rank() int {
	switch s {
	case ChargeStatusCreated:
		return 0
	case ChargeStatusVerificationPending:
		return 1
	case ChargeStatusAuthorized:
		return 2
	case ChargeStatusCaptured, ChargeStatusReleased, ChargeStatusFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s ChargeStatus) Terminal() bool { return s.rank() == 3 }

// CanTransitionTo reports whether a charge in status s may move to next.
// Writing the same status again is allowed (no-op); anything that lowers the
// rank or swaps one terminal state for another is not.
func (s ChargeStatus) CanTransitionTo(next ChargeStatus) bool {
	if next.rank() < 0 || s.rank() < 0 {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// VerificationStatus mirrors the processor's step-up verification state.
type VerificationStatus string

const (
	VerificationNone       VerificationStatus = "none"
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationUnknown    VerificationStatus = "unknown"
)

// Charge is the orchestrator's cached projection of one payment attempt.
// The processor is the system of record; rows are never deleted.
type Charge struct {
	ID                 string             `json:"id"                  gorm:"type:varchar(64);primaryKey"`
	Amount             int64              `json:"amount"              gorm:"not null"`
	Currency           string             `json:"currency"            gorm:"type:varchar(8);not null"`
	Mode               ChargeMode         `json:"mode"                gorm:"type:varchar(16);not null"`
	Status             ChargeStatus       `json:"status"              gorm:"type:varchar(32);not null;index"`
	VerificationStatus VerificationStatus `json:"verification_status" gorm:"type:varchar(16);not null;default:'none'"`
	CapturedAmount     int64              `json:"captured_amount"     gorm:"not null;default:0"`
	Paid               bool               `json:"paid"`
	Captured           bool               `json:"captured"`
	Description        string             `json:"description,omitempty"     gorm:"type:varchar(255)"`
	FailureCode        string             `json:"failure_code,omitempty"    gorm:"type:varchar(64)"`
	FailureMessage     string             `json:"failure_message,omitempty" gorm:"type:text"`
	CreatedAt          time.Time          `json:"created_at"                gorm:"autoCreateTime:false"`
	UpdatedAt          time.Time          `json:"updated_at"                gorm:"autoUpdateTime:false"`
}

// TableName returns the database table name for Charge.
func (Charge) TableName() string { return "charges" }

// Validate checks the structural invariants of a charge projection.
func (c *Charge) Validate() error {
	if c.CapturedAmount < 0 || c.CapturedAmount > c.Amount {
		return fmt.Errorf("charge %s: captured amount %d outside [0,%d]", c.ID, c.CapturedAmount, c.Amount)
	}
	if c.CapturedAmount > 0 && c.Status != ChargeStatusCaptured {
		return fmt.Errorf("charge %s: captured amount set while status is %s", c.ID, c.Status)
	}
	return nil
}
