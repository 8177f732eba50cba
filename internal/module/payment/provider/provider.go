package provider

import (
	"context"
	"errors"
)

// Provider names.
const (
	NameMpesa       = "mpesa"
	NamePesapal     = "pesapal"
	NameCybersource = "cybersource"
	NameStripe      = "stripe"
	NameGooglePay   = "google_pay"
)

// Adapter errors.
var (
	// ErrConfirmUnsupported is returned by providers that only push results
	// and have no status query.
	ErrConfirmUnsupported = errors.New("provider does not support status queries")
	// ErrLegacyCardFlow is returned when raw card details are submitted to a
	// provider that only accepts tokenized payments.
	ErrLegacyCardFlow = errors.New("direct card payments are disabled, use the tokenized flow")
)

// InitiateRequest carries everything a provider needs to start a payment.
type InitiateRequest struct {
	PaymentID   string  // ledger record ID, used as the merchant reference
	UserID      string
	AmountKES   float64
	Currency    string // currency the amount was charged in, for display
	Phone       string // MSISDN for mobile money providers
	Email       string
	Description string
	// Token is the tokenized payment instrument: a transient token JWT for
	// CyberSource, a payment method ID for Stripe, or a Google Pay token.
	Token string
}

// InitiateResult is the provider's response to a payment initiation.
type InitiateResult struct {
	// CorrelationID is the provider-side identifier later notifications and
	// status queries are keyed by.
	CorrelationID string
	// RedirectURL sends the payer to a provider-hosted page (PesaPal).
	RedirectURL string
	// ClientSecret completes the payment client-side (Stripe).
	ClientSecret string
	// CustomerMessage is a provider-supplied prompt shown to the payer.
	CustomerMessage string
}

// Result is a normalized provider outcome for one payment.
type Result struct {
	Success  bool
	Terminal bool
	Declined bool // definitive rejection rather than failure
	Canceled bool
	// Status is the provider's native status description.
	Status string
	// StatusCode is the provider's native status code, if any.
	StatusCode string
	AmountKES  float64
	// Receipt is the provider receipt or confirmation code.
	Receipt string
	// PayerRef identifies the payer on the provider side (MSISDN, card ref).
	PayerRef      string
	FailureReason string
}

// Notification is a parsed and verified webhook delivery.
type Notification struct {
	CorrelationID string
	// MerchantRef is our payment ID when the provider echoes it back.
	MerchantRef string
	// Result is nil when the notification carries no outcome and the payment
	// must be confirmed with a status query (PesaPal IPN).
	Result *Result
	// Ack is the response body the provider expects on acceptance.
	Ack string
}

// CaptureContextCreator is implemented by providers whose hosted checkout UI
// needs a server-created capture context before tokenization (CyberSource
// Unified Checkout).
type CaptureContextCreator interface {
	CaptureContext(ctx context.Context, amountKES float64) (string, error)
}

// Canceler is implemented by providers that can cancel an unpaid order.
type Canceler interface {
	Cancel(ctx context.Context, correlationID string) error
}

// Adapter is the interface every payment provider implements.
type Adapter interface {
	// Name returns the provider name.
	Name() string

	// Initiate starts a payment with the provider.
	Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error)

	// Confirm queries the provider for the payment's current state.
	// Providers without a pull API return ErrConfirmUnsupported.
	Confirm(ctx context.Context, correlationID string) (*Result, error)

	// ParseWebhook verifies and parses an asynchronous notification.
	ParseWebhook(ctx context.Context, body []byte, headers map[string]string) (*Notification, error)
}
