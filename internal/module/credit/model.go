package credit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Account is a user's credit account. The balance is whole days of access.
type Account struct {
	UserID           string     `json:"user_id" gorm:"primaryKey"`
	CreditBalance    int        `json:"credit_balance" gorm:"not null;default:0"`
	RegistrationDate time.Time  `json:"registration_date" gorm:"not null"`
	LastUsageDate    *time.Time `json:"last_usage_date,omitempty"`
	LastPaymentDate  *time.Time `json:"last_payment_date,omitempty"`
	TotalPaymentsKES float64    `json:"total_payments_kes" gorm:"default:0"`
	// MonthlySpend maps "YYYY-MM" to the KES paid in that month.
	MonthlySpend datatypes.JSONMap `json:"monthly_spend" gorm:"type:jsonb"`
	// MonthlyUsageDays maps "YYYY-MM" to the number of charged usage days.
	MonthlyUsageDays datatypes.JSONMap `json:"monthly_usage_days" gorm:"type:jsonb"`
	// LastAppliedPaymentID marks the most recent payment whose credit was
	// applied. Grants for the same payment ID are skipped.
	LastAppliedPaymentID string    `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Account) TableName() string {
	return "credit_accounts"
}

// UsageEvent is an append-only record of a charged usage day.
type UsageEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID     string    `gorm:"not null;index"`
	ActionType string    `gorm:"not null"`
	UsageDate  time.Time `gorm:"not null;index"`
	CreatedAt  time.Time
}

// TableName returns the database table name.
func (UsageEvent) TableName() string {
	return "usage_events"
}

// monthKey formats a time as the "YYYY-MM" bucket key, in UTC.
func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// sameDay reports whether two times fall on the same UTC calendar day.
func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// mapFloat reads a numeric value out of a JSON map. JSON numbers arrive as
// float64 after a round trip through jsonb.
func mapFloat(m datatypes.JSONMap, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
