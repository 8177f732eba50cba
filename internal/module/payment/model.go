package payment

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the status of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDeclined  Status = "declined"
	StatusCancelled Status = "cancelled"
	// StatusTestPayment marks a debug payment that auto-completes shortly
	// after initiation without touching a real provider.
	StatusTestPayment Status = "test_payment"
)

// IsTerminal reports whether the status absorbs further transitions.
// TEST_PAYMENT is not terminal: it still moves to COMPLETED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDeclined, StatusCancelled:
		return true
	}
	return false
}

// Record is one payment in the ledger.
type Record struct {
	ID       uuid.UUID `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID   string    `json:"user_id" gorm:"not null;index"`
	Provider string    `json:"provider" gorm:"not null"`
	// Amount is the original charge amount in Currency; AmountKES is the
	// converted amount credit days were computed from.
	Amount    float64 `json:"amount" gorm:"not null"`
	Currency  string  `json:"currency" gorm:"default:KES"`
	AmountKES float64 `json:"amount_kes" gorm:"not null"`
	// CreditDays is fixed at initiation and reused when the payment
	// completes, so a rate change mid-flight cannot alter the grant.
	CreditDays int    `json:"credit_days" gorm:"not null"`
	Status     Status `json:"status" gorm:"not null;default:pending;index"`
	// CorrelationID is the provider-side identifier (CheckoutRequestID,
	// order tracking ID, PaymentIntent ID, transaction ID).
	CorrelationID string `json:"-" gorm:"index"`
	// Receipt is the provider receipt or confirmation code.
	Receipt       string     `json:"receipt,omitempty"`
	PayerRef      string     `json:"-"`
	Phone         string     `json:"-"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName returns the database table name.
func (Record) TableName() string {
	return "payments"
}

// IsCompleted returns true if the payment completed.
func (r *Record) IsCompleted() bool {
	return r.Status == StatusCompleted
}

// WebhookEvent is a stored provider notification, kept for audit. The
// (provider, event) pair is unique so a redelivery inserts nothing; the
// notification is still processed, which the resolve path makes harmless.
type WebhookEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Provider    string    `gorm:"not null;uniqueIndex:idx_provider_event"`
	EventID     string    `gorm:"not null;uniqueIndex:idx_provider_event"`
	PaymentID   string    `gorm:"index"`
	Data        string    `gorm:"type:jsonb"`
	Processed   bool      `gorm:"default:false"`
	ProcessedAt *time.Time
	Error       *string
	CreatedAt   time.Time
}

// TableName returns the database table name.
func (WebhookEvent) TableName() string {
	return "payment_webhook_events"
}
