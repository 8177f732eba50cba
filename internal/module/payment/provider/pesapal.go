package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PesaPal API v3 base URLs.
const (
	pesapalSandboxURL    = "https://cybqa.pesapal.com/pesapalv3"
	pesapalProductionURL = "https://pay.pesapal.com/v3"
)

// PesaPal transaction status codes.
const (
	pesapalStatusInvalid   = 0
	pesapalStatusCompleted = 1
	pesapalStatusFailed    = 2
	pesapalStatusReversed  = 3
)

// PesapalConfig holds PesaPal API v3 credentials.
type PesapalConfig struct {
	Environment    string // sandbox, production
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string // payer redirect after checkout
	IPNURL         string // server-to-server notification URL
}

// PesapalProvider implements the Adapter interface for PesaPal v3.
//
// PesaPal IPNs carry no outcome; ParseWebhook returns a Notification with a
// nil Result and the caller follows up with Confirm.
type PesapalProvider struct {
	cfg    *PesapalConfig
	base   string
	api    *apiClient
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	ipnID       string
}

// NewPesapalProvider creates a new PesaPal provider.
func NewPesapalProvider(cfg *PesapalConfig, logger *zap.Logger) (*PesapalProvider, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, fmt.Errorf("pesapal: missing credentials")
	}
	base := pesapalSandboxURL
	if cfg.Environment == "production" {
		base = pesapalProductionURL
	}
	return &PesapalProvider{
		cfg:    cfg,
		base:   base,
		api:    newAPIClient(NamePesapal, defaultRequestTimeout),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Name returns the provider name.
func (p *PesapalProvider) Name() string {
	return NamePesapal
}

// accessToken returns a bearer token, requesting a fresh one when the cached
// token is within a minute of its 5-minute expiry.
func (p *PesapalProvider) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"consumer_key":    p.cfg.ConsumerKey,
		"consumer_secret": p.cfg.ConsumerSecret,
	})
	status, respBody, err := p.api.doJSON(ctx, http.MethodPost, p.base+"/api/Auth/RequestToken", nil, body)
	if err != nil {
		return "", fmt.Errorf("pesapal token: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("pesapal token: status %d", status)
	}

	var resp struct {
		Token string `json:"token"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("pesapal token: decode: %w", err)
	}
	if resp.Token == "" {
		msg := "empty token"
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return "", fmt.Errorf("pesapal token: %s", msg)
	}

	p.token = resp.Token
	p.tokenExpiry = p.now().Add(4 * time.Minute)
	return p.token, nil
}

// ensureIPN registers the IPN URL once and caches the returned ID.
func (p *PesapalProvider) ensureIPN(ctx context.Context, token string) (string, error) {
	p.mu.Lock()
	if p.ipnID != "" {
		id := p.ipnID
		p.mu.Unlock()
		return id, nil
	}
	p.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"url":                   p.cfg.IPNURL,
		"ipn_notification_type": "POST",
	})
	status, respBody, err := p.api.doJSON(ctx, http.MethodPost, p.base+"/api/URLSetup/RegisterIPN",
		map[string]string{"Authorization": "Bearer " + token}, body)
	if err != nil {
		return "", fmt.Errorf("pesapal register ipn: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("pesapal register ipn: status %d", status)
	}

	var resp struct {
		IpnID string `json:"ipn_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("pesapal register ipn: decode: %w", err)
	}
	if resp.IpnID == "" {
		return "", fmt.Errorf("pesapal register ipn: empty ipn_id")
	}

	p.mu.Lock()
	p.ipnID = resp.IpnID
	p.mu.Unlock()
	p.logger.Info("pesapal ipn registered", zap.String("ipn_id", resp.IpnID))
	return resp.IpnID, nil
}

// Initiate submits an order and returns the hosted checkout redirect URL.
func (p *PesapalProvider) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	ipnID, err := p.ensureIPN(ctx, token)
	if err != nil {
		return nil, err
	}

	order := map[string]any{
		"id":              req.PaymentID,
		"currency":        "KES",
		"amount":          req.AmountKES,
		"description":     req.Description,
		"callback_url":    p.cfg.CallbackURL,
		"notification_id": ipnID,
		"billing_address": map[string]string{
			"email_address": req.Email,
			"phone_number":  req.Phone,
		},
	}
	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	status, respBody, err := p.api.doJSON(ctx, http.MethodPost, p.base+"/api/Transactions/SubmitOrderRequest",
		map[string]string{"Authorization": "Bearer " + token}, body)
	if err != nil {
		return nil, fmt.Errorf("pesapal submit order: %w", err)
	}

	var resp struct {
		OrderTrackingID string `json:"order_tracking_id"`
		RedirectURL     string `json:"redirect_url"`
		Error           *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("pesapal submit order: decode: %w", err)
	}
	if status != http.StatusOK || resp.OrderTrackingID == "" {
		msg := fmt.Sprintf("status %d", status)
		if resp.Error != nil {
			msg = resp.Error.Message
		}
		return nil, fmt.Errorf("pesapal submit order rejected: %s", msg)
	}

	return &InitiateResult{
		CorrelationID: resp.OrderTrackingID,
		RedirectURL:   resp.RedirectURL,
	}, nil
}

// Confirm queries the transaction status for an order tracking ID.
func (p *PesapalProvider) Confirm(ctx context.Context, correlationID string) (*Result, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/api/Transactions/GetTransactionStatus?orderTrackingId=%s", p.base, correlationID)
	status, respBody, err := p.api.doJSON(ctx, http.MethodGet, url,
		map[string]string{"Authorization": "Bearer " + token}, nil)
	if err != nil {
		return nil, fmt.Errorf("pesapal status: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("pesapal status: status %d", status)
	}

	var resp struct {
		PaymentStatusDescription string  `json:"payment_status_description"`
		StatusCode               int     `json:"status_code"`
		Amount                   float64 `json:"amount"`
		ConfirmationCode         string  `json:"confirmation_code"`
		PaymentAccount           string  `json:"payment_account"`
		Description              string  `json:"description"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("pesapal status: decode: %w", err)
	}

	result := &Result{
		Status:     resp.PaymentStatusDescription,
		StatusCode: fmt.Sprintf("%d", resp.StatusCode),
		AmountKES:  resp.Amount,
		Receipt:    resp.ConfirmationCode,
		PayerRef:   resp.PaymentAccount,
	}
	switch resp.StatusCode {
	case pesapalStatusCompleted:
		result.Success = true
		result.Terminal = true
	case pesapalStatusFailed:
		result.Terminal = true
		result.FailureReason = resp.Description
	case pesapalStatusReversed:
		result.Terminal = true
		result.Canceled = true
		result.FailureReason = resp.Description
	default:
		// invalid/pending, not terminal
	}
	return result, nil
}

// Cancel asks PesaPal to cancel an unpaid order.
func (p *PesapalProvider) Cancel(ctx context.Context, correlationID string) error {
	token, err := p.accessToken(ctx)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"order_tracking_id": correlationID})
	status, respBody, err := p.api.doJSON(ctx, http.MethodPost, p.base+"/api/Transactions/CancelOrder",
		map[string]string{"Authorization": "Bearer " + token}, body)
	if err != nil {
		return fmt.Errorf("pesapal cancel: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("pesapal cancel: status %d", status)
	}

	var resp struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("pesapal cancel: decode: %w", err)
	}
	if resp.Status != "200" {
		return fmt.Errorf("pesapal cancel rejected: %s", resp.Message)
	}
	return nil
}

// ParseWebhook parses an IPN delivery. The IPN only identifies the order;
// the outcome comes from a follow-up Confirm call.
func (p *PesapalProvider) ParseWebhook(ctx context.Context, body []byte, headers map[string]string) (*Notification, error) {
	var ipn struct {
		OrderTrackingID       string `json:"OrderTrackingId"`
		OrderMerchantRef      string `json:"OrderMerchantReference"`
		OrderNotificationType string `json:"OrderNotificationType"`
	}
	if err := json.Unmarshal(body, &ipn); err != nil {
		return nil, fmt.Errorf("pesapal ipn: decode: %w", err)
	}
	if ipn.OrderTrackingID == "" {
		return nil, fmt.Errorf("pesapal ipn: missing OrderTrackingId")
	}

	ack, _ := json.Marshal(map[string]any{
		"orderNotificationType":  ipn.OrderNotificationType,
		"orderTrackingId":        ipn.OrderTrackingID,
		"orderMerchantReference": ipn.OrderMerchantRef,
		"status":                 200,
	})

	return &Notification{
		CorrelationID: ipn.OrderTrackingID,
		MerchantRef:   ipn.OrderMerchantRef,
		Result:        nil, // status must be pulled
		Ack:           string(ack),
	}, nil
}
