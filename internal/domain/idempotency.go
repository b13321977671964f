package domain

import "time"

// KVEntry is the persisted form of one key-value record used for idempotency
// records and verification sessions. Values are opaque JSON; rows past
// ExpiresAt are treated as absent and removed by the sweep.
type KVEntry struct {
	Key       string    `gorm:"type:varchar(255);primaryKey"`
	Value     []byte    `gorm:"type:BLOB NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (KVEntry) TableName() string { return "kv_entries" }

// ErrorOutcome is the stored shape of a classified failure.
type ErrorOutcome struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Outcome is what an idempotent payment operation produced: exactly one of
// Charge or Error is set.
type Outcome struct {
	Charge        *Charge       `json:"charge,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Error         *ErrorOutcome `json:"error,omitempty"`
}

// Err rebuilds the classified error of a failed outcome, or nil.
func (o Outcome) Err() error {
	if o.Error == nil {
		return nil
	}
	return &Error{Kind: o.Error.Kind, Code: o.Error.Code, Message: o.Error.Message}
}

// IdempotencyRecord remembers the outcome of a request made under a
// caller-supplied key. Fingerprint identifies the request so a key reused for
// a different request is detected.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
	Outcome     Outcome   `json:"outcome"`
}
