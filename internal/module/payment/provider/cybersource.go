package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CyberSource REST API hosts.
const (
	cybersourceSandboxHost    = "apitest.cybersource.com"
	cybersourceProductionHost = "api.cybersource.com"
)

// webhookTolerance bounds how old a signed webhook timestamp may be.
const webhookTolerance = 60 * time.Minute

// CybersourceConfig holds CyberSource REST API credentials.
type CybersourceConfig struct {
	Environment   string // sandbox, production
	MerchantID    string
	APIKeyID      string
	SecretKey     string // base64-encoded shared secret
	WebhookSecret string
	TargetOrigin  string // origin allowed to load Unified Checkout
}

// CybersourceProvider implements the Adapter interface for CyberSource.
//
// Only the tokenized Unified Checkout flow is supported; requests carrying
// raw card details are rejected with ErrLegacyCardFlow.
type CybersourceProvider struct {
	cfg    *CybersourceConfig
	host   string
	api    *apiClient
	logger *zap.Logger
	now    func() time.Time
}

// NewCybersourceProvider creates a new CyberSource provider.
func NewCybersourceProvider(cfg *CybersourceConfig, logger *zap.Logger) (*CybersourceProvider, error) {
	if cfg.MerchantID == "" || cfg.APIKeyID == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("cybersource: missing credentials")
	}
	host := cybersourceSandboxHost
	if cfg.Environment == "production" {
		host = cybersourceProductionHost
	}
	return &CybersourceProvider{
		cfg:    cfg,
		host:   host,
		api:    newAPIClient(NameCybersource, defaultRequestTimeout),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Name returns the provider name.
func (p *CybersourceProvider) Name() string {
	return NameCybersource
}

// signedHeaders builds the HTTP-signature auth headers for a request.
// The signature covers host, v-c-date, request-target, digest (POST only)
// and v-c-merchant-id, HMAC-SHA256 keyed with the decoded shared secret.
func (p *CybersourceProvider) signedHeaders(method, path string, body []byte) (map[string]string, error) {
	date := p.now().UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	target := strings.ToLower(method) + " " + path

	headers := map[string]string{
		"Host":            p.host,
		"v-c-date":        date,
		"v-c-merchant-id": p.cfg.MerchantID,
	}

	fields := []string{"host", "v-c-date", "request-target"}
	lines := []string{
		"host: " + p.host,
		"v-c-date: " + date,
		"request-target: " + target,
	}
	if body != nil {
		sum := sha256.Sum256(body)
		digest := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
		headers["Digest"] = digest
		fields = append(fields, "digest")
		lines = append(lines, "digest: "+digest)
	}
	fields = append(fields, "v-c-merchant-id")
	lines = append(lines, "v-c-merchant-id: "+p.cfg.MerchantID)

	key, err := base64.StdEncoding.DecodeString(p.cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("cybersource: decode secret key: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(strings.Join(lines, "\n")))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	headers["Signature"] = fmt.Sprintf(
		`keyid="%s", algorithm="HmacSHA256", headers="%s", signature="%s"`,
		p.cfg.APIKeyID, strings.Join(fields, " "), signature,
	)
	return headers, nil
}

// request executes a signed API call.
func (p *CybersourceProvider) request(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	headers, err := p.signedHeaders(method, path, body)
	if err != nil {
		return 0, nil, err
	}
	return p.api.doJSON(ctx, method, "https://"+p.host+path, headers, body)
}

// successStates are payment states counted as a completed sale.
var successStates = map[string]bool{
	"AUTHORIZED":  true,
	"PENDING":     true,
	"TRANSMITTED": true,
}

// Initiate charges a tokenized payment instrument. The request must carry a
// transient token from Unified Checkout; direct card details are refused.
func (p *CybersourceProvider) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	if req.Token == "" {
		return nil, ErrLegacyCardFlow
	}

	payload := map[string]any{
		"clientReferenceInformation": map[string]string{"code": req.PaymentID},
		"processingInformation":      map[string]any{"capture": true},
		"tokenInformation":           map[string]string{"transientTokenJwt": req.Token},
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
		return nil, fmt.Errorf("cybersource payment: %w", err)
	}

	var resp struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		ErrorInformation *struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errorInformation"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("cybersource payment: decode: %w", err)
	}

	if status >= http.StatusBadRequest || resp.ID == "" {
		msg := fmt.Sprintf("status %d", status)
		if resp.ErrorInformation != nil {
			msg = resp.ErrorInformation.Message
		}
		return nil, fmt.Errorf("cybersource payment rejected: %s", msg)
	}
	if resp.Status == "DECLINED" {
		reason := "declined"
		if resp.ErrorInformation != nil {
			reason = resp.ErrorInformation.Message
		}
		return nil, fmt.Errorf("cybersource declined: %s", reason)
	}

	p.logger.Info("cybersource payment created",
		zap.String("payment_id", req.PaymentID),
		zap.String("cybersource_id", resp.ID),
		zap.String("status", resp.Status),
	)
	return &InitiateResult{CorrelationID: resp.ID}, nil
}

// CaptureContext creates a Unified Checkout capture context for the client.
func (p *CybersourceProvider) CaptureContext(ctx context.Context, amountKES float64) (string, error) {
	payload := map[string]any{
		"targetOrigins":       []string{p.cfg.TargetOrigin},
		"clientVersion":       "0.23",
		"allowedCardNetworks": []string{"VISA", "MASTERCARD"},
		"allowedPaymentTypes": []string{"PANENTRY", "GOOGLEPAY"},
		"country":             "KE",
		"locale":              "en_US",
		"captureMandate": map[string]any{
			"billingType":              "NONE",
			"requestEmail":             false,
			"requestPhone":             false,
			"requestShipping":          false,
			"showAcceptedNetworkIcons": true,
		},
		"orderInformation": map[string]any{
			"amountDetails": map[string]string{
				"totalAmount": strconv.FormatFloat(amountKES, 'f', 2, 64),
				"currency":    "KES",
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	status, respBody, err := p.request(ctx, http.MethodPost, "/up/v1/capture-contexts", body)
	if err != nil {
		return "", fmt.Errorf("cybersource capture context: %w", err)
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("cybersource capture context: status %d", status)
	}

	// The capture context is returned as a bare JWT string.
	return strings.Trim(string(respBody), `"`), nil
}

// Confirm fetches the payment's current state.
func (p *CybersourceProvider) Confirm(ctx context.Context, correlationID string) (*Result, error) {
	status, respBody, err := p.request(ctx, http.MethodGet, "/pts/v2/payments/"+correlationID, nil)
	if err != nil {
		return nil, fmt.Errorf("cybersource status: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("cybersource status: status %d", status)
	}

	var resp struct {
		ID                         string `json:"id"`
		Status                     string `json:"status"`
		ClientReferenceInformation struct {
			Code string `json:"code"`
		} `json:"clientReferenceInformation"`
		OrderInformation struct {
			AmountDetails struct {
				TotalAmount string `json:"totalAmount"`
			} `json:"amountDetails"`
		} `json:"orderInformation"`
		ErrorInformation *struct {
			Message string `json:"message"`
		} `json:"errorInformation"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("cybersource status: decode: %w", err)
	}

	amount, _ := strconv.ParseFloat(resp.OrderInformation.AmountDetails.TotalAmount, 64)
	result := &Result{
		Status:    resp.Status,
		AmountKES: amount,
		Receipt:   resp.ID,
	}
	switch {
	case successStates[resp.Status]:
		result.Success = true
		result.Terminal = true
	case resp.Status == "DECLINED":
		result.Terminal = true
		result.Declined = true
		if resp.ErrorInformation != nil {
			result.FailureReason = resp.ErrorInformation.Message
		}
	case resp.Status == "INVALID_REQUEST" || resp.Status == "CANCELLED" || resp.Status == "VOIDED" || resp.Status == "REVERSED":
		result.Terminal = true
		result.Canceled = resp.Status == "CANCELLED" || resp.Status == "VOIDED"
		result.FailureReason = resp.Status
	}
	return result, nil
}

// verifySignature validates the v-c-signature webhook header. The header is
// "t=<unix>;keyId=<id>;sig=<base64>" and the HMAC covers "{t}.{payload}".
func (p *CybersourceProvider) verifySignature(header string, payload []byte) error {
	if p.cfg.WebhookSecret == "" {
		return fmt.Errorf("cybersource webhook: no webhook secret configured")
	}
	if header == "" {
		return fmt.Errorf("cybersource webhook: missing signature header")
	}

	var ts, sig string
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "sig":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("cybersource webhook: malformed signature header")
	}

	tsec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("cybersource webhook: bad timestamp: %w", err)
	}
	age := p.now().Sub(time.Unix(tsec, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return fmt.Errorf("cybersource webhook: timestamp outside tolerance")
	}

	mac := hmac.New(sha256.New, []byte(p.cfg.WebhookSecret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return fmt.Errorf("cybersource webhook: signature mismatch")
	}
	return nil
}

// ParseWebhook verifies and parses a CyberSource webhook. The payload only
// identifies the transaction; the outcome comes from a follow-up Confirm.
func (p *CybersourceProvider) ParseWebhook(ctx context.Context, body []byte, headers map[string]string) (*Notification, error) {
	if err := p.verifySignature(headers["V-C-Signature"], body); err != nil {
		return nil, err
	}

	var event struct {
		PayloadData struct {
			TransactionID string `json:"_links.transactionDetail.href"`
		} `json:"payloadData"`
		Payloads []struct {
			TestPayload struct {
				TransactionID string `json:"transactionId"`
			} `json:"testPayload"`
		} `json:"payloads"`
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("cybersource webhook: decode: %w", err)
	}

	id := event.TransactionID
	if id == "" && len(event.Payloads) > 0 {
		id = event.Payloads[0].TestPayload.TransactionID
	}
	if id == "" {
		return nil, fmt.Errorf("cybersource webhook: missing transaction id")
	}

	return &Notification{
		CorrelationID: id,
		Result:        nil, // status must be pulled
		Ack:           `{"status":"received"}`,
	}, nil
}
