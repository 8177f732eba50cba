package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// GooglePayProvider charges Google Pay tokens through a card processor.
// It holds no provider connection of its own: the token is forwarded to the
// configured processor and all later reconciliation happens under that
// processor's correlation ID.
type GooglePayProvider struct {
	processor Adapter
	logger    *zap.Logger
}

// NewGooglePayProvider creates a Google Pay provider backed by processor.
func NewGooglePayProvider(processor Adapter, logger *zap.Logger) (*GooglePayProvider, error) {
	if processor == nil {
		return nil, fmt.Errorf("google_pay: no processor configured")
	}
	switch processor.Name() {
	case NameCybersource, NameStripe:
	default:
		return nil, fmt.Errorf("google_pay: unsupported processor %q", processor.Name())
	}
	return &GooglePayProvider{processor: processor, logger: logger}, nil
}

// Name returns the provider name.
func (p *GooglePayProvider) Name() string {
	return NameGooglePay
}

// Initiate forwards the Google Pay token blob to the processor.
func (p *GooglePayProvider) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	if req.Token == "" {
		return nil, fmt.Errorf("google_pay: missing payment token")
	}

	if cs, ok := p.processor.(*CybersourceProvider); ok {
		return cs.ChargeGooglePay(ctx, req)
	}

	p.logger.Debug("forwarding google pay token",
		zap.String("processor", p.processor.Name()),
		zap.String("payment_id", req.PaymentID),
	)
	return p.processor.Initiate(ctx, req)
}

// Confirm delegates to the processor.
func (p *GooglePayProvider) Confirm(ctx context.Context, correlationID string) (*Result, error) {
	return p.processor.Confirm(ctx, correlationID)
}

// ParseWebhook delegates to the processor. In practice notifications arrive
// on the processor's own webhook route.
func (p *GooglePayProvider) ParseWebhook(ctx context.Context, body []byte, headers map[string]string) (*Notification, error) {
	return p.processor.ParseWebhook(ctx, body, headers)
}

// ChargeGooglePay charges a Google Pay token blob via the fluid-data path.
func (p *CybersourceProvider) ChargeGooglePay(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	payload := map[string]any{
		"clientReferenceInformation": map[string]string{"code": req.PaymentID},
		"processingInformation": map[string]any{
			"capture":                true,
			"paymentSolution":        "012", // Google Pay
			"commerceIndicator":      "internet",
		},
		"paymentInformation": map[string]any{
			"fluidData": map[string]string{
				"value": base64.StdEncoding.EncodeToString([]byte(req.Token)),
			},
		},
		"orderInformation": map[string]any{
			"amountDetails": map[string]string{
				"totalAmount": strconv.FormatFloat(req.AmountKES, 'f', 2, 64),
				"currency":    "KES",
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	status, respBody, err := p.request(ctx, http.MethodPost, "/pts/v2/payments", body)
	if err != nil {
		return nil, fmt.Errorf("cybersource google pay: %w", err)
	}

	var resp struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		ErrorInformation *struct {
			Message string `json:"message"`
		} `json:"errorInformation"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("cybersource google pay: decode: %w", err)
	}
	if status >= http.StatusBadRequest || resp.ID == "" || resp.Status == "DECLINED" {
		msg := resp.Status
		if resp.ErrorInformation != nil {
			msg = resp.ErrorInformation.Message
		}
		return nil, fmt.Errorf("cybersource google pay rejected: %s", msg)
	}

	return &InitiateResult{CorrelationID: resp.ID}, nil
}
