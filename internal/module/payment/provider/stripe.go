package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

// StripeConfig holds Stripe configuration.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// StripeProvider implements the Adapter interface for Stripe PaymentIntents.
type StripeProvider struct {
	cfg    *StripeConfig
	logger *zap.Logger
}

// NewStripeProvider creates a new Stripe provider.
func NewStripeProvider(cfg *StripeConfig, logger *zap.Logger) (*StripeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("stripe: missing api key")
	}
	stripe.Key = cfg.APIKey
	return &StripeProvider{cfg: cfg, logger: logger}, nil
}

// Name returns the provider name.
func (p *StripeProvider) Name() string {
	return NameStripe
}

// Initiate creates a PaymentIntent. When the request carries a payment
// method token the intent is confirmed immediately; otherwise the client
// secret is returned for client-side confirmation.
func (p *StripeProvider) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	params := &stripe.PaymentIntentParams{
		// Stripe amounts are in the smallest currency unit.
		Amount:   stripe.Int64(int64(math.Round(req.AmountKES * 100))),
		Currency: stripe.String("kes"),
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
			"user_id":    req.UserID,
		},
	}
	if req.Token != "" {
		params.PaymentMethod = stripe.String(req.Token)
		params.Confirm = stripe.Bool(true)
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		}
	} else {
		params.AutomaticPaymentMethods = &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		}
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create payment intent: %w", err)
	}

	p.logger.Info("stripe payment intent created",
		zap.String("payment_id", req.PaymentID),
		zap.String("payment_intent_id", pi.ID),
		zap.String("status", string(pi.Status)),
	)
	return &InitiateResult{
		CorrelationID: pi.ID,
		ClientSecret:  pi.ClientSecret,
	}, nil
}

// Confirm fetches the PaymentIntent's current state.
func (p *StripeProvider) Confirm(ctx context.Context, correlationID string) (*Result, error) {
	pi, err := paymentintent.Get(correlationID, nil)
	if err != nil {
		return nil, fmt.Errorf("stripe get payment intent: %w", err)
	}
	return p.resultFromIntent(pi), nil
}

// resultFromIntent maps a PaymentIntent to a normalized Result.
func (p *StripeProvider) resultFromIntent(pi *stripe.PaymentIntent) *Result {
	result := &Result{
		Status:    string(pi.Status),
		AmountKES: float64(pi.Amount) / 100,
		Receipt:   pi.ID,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Success = true
		result.Terminal = true
		if pi.LatestCharge != nil {
			result.Receipt = pi.LatestCharge.ID
		}
	case stripe.PaymentIntentStatusCanceled:
		result.Terminal = true
		result.Canceled = true
		result.FailureReason = string(pi.CancellationReason)
	default:
		// requires_payment_method, requires_confirmation, processing:
		// not terminal, payer can still complete or retry
		if pi.LastPaymentError != nil {
			result.FailureReason = pi.LastPaymentError.Msg
		}
	}
	return result
}

// ParseWebhook verifies the Stripe-Signature header via the SDK and maps
// payment_intent events to a normalized outcome.
func (p *StripeProvider) ParseWebhook(ctx context.Context, body []byte, headers map[string]string) (*Notification, error) {
	event, err := webhook.ConstructEvent(body, headers["Stripe-Signature"], p.cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("stripe webhook: %w", err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("stripe webhook: unmarshal payment intent: %w", err)
		}
		result := p.resultFromIntent(&pi)
		if event.Type == "payment_intent.payment_failed" && !result.Terminal {
			// A failed confirmation with no retry path is a decline.
			result.Terminal = true
			result.Declined = true
		}
		return &Notification{
			CorrelationID: pi.ID,
			MerchantRef:   pi.Metadata["payment_id"],
			Result:        result,
			Ack:           `{"received":true}`,
		}, nil
	default:
		// Ignore event types outside the payment lifecycle.
		return &Notification{Ack: `{"received":true}`}, nil
	}
}
