package payment

import "time"

// InitiateRequest is the API request to start a payment.
type InitiateRequest struct {
	Provider string  `json:"provider" binding:"required"`
	Amount   float64 `json:"amount" binding:"required"`
	Currency string  `json:"currency"`
	Phone    string  `json:"phone"`
	Email    string  `json:"email"`
	// Token is a tokenized payment instrument for card providers.
	Token string `json:"token"`
}

// InitiateResponse is the API response to a payment initiation.
type InitiateResponse struct {
	PaymentID  string  `json:"payment_id"`
	Status     Status  `json:"status"`
	Provider   string  `json:"provider"`
	AmountKES  float64 `json:"amount_kes"`
	CreditDays int     `json:"credit_days"`
	// At most one of the following is set, depending on the provider flow.
	RedirectURL     string `json:"redirect_url,omitempty"`
	ClientSecret    string `json:"client_secret,omitempty"`
	CustomerMessage string `json:"customer_message,omitempty"`
}

// CaptureContextRequest asks for a hosted-checkout capture context.
type CaptureContextRequest struct {
	// Provider defaults to cybersource, the only card-entry checkout.
	Provider string  `json:"provider"`
	Amount   float64 `json:"amount" binding:"required"`
	Currency string  `json:"currency"`
}

// StatusResponse is the API response for a payment status query.
type StatusResponse struct {
	PaymentID     string     `json:"payment_id"`
	Status        Status     `json:"status"`
	Provider      string     `json:"provider"`
	Amount        float64    `json:"amount"`
	Currency      string     `json:"currency"`
	AmountKES     float64    `json:"amount_kes"`
	CreditDays    int        `json:"credit_days"`
	Receipt       string     `json:"receipt,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ToStatusResponse maps a record to its API shape.
func ToStatusResponse(r *Record) *StatusResponse {
	return &StatusResponse{
		PaymentID:     r.ID.String(),
		Status:        r.Status,
		Provider:      r.Provider,
		Amount:        r.Amount,
		Currency:      r.Currency,
		AmountKES:     r.AmountKES,
		CreditDays:    r.CreditDays,
		Receipt:       r.Receipt,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}
}

// PollResponse summarizes a reconciliation sweep.
type PollResponse struct {
	Checked  int `json:"checked"`
	Resolved int `json:"resolved"`
}
