package domain

import "time"

// VerificationSession preserves the original request context while the payer
// completes step-up verification. It is keyed by the correlation id (the
// charge id) and consumed once the verification is finalized.
type VerificationSession struct {
	SessionKey    string     `json:"session_key"`
	CorrelationID string     `json:"correlation_id"`
	Subject       Subject    `json:"subject,omitempty"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Mode          ChargeMode `json:"mode"`
	TransactionID string     `json:"transaction_id"`
	CreatedAt     time.Time  `json:"created_at"`
}
