package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// Daraja API base URLs.
const (
	mpesaSandboxURL    = "https://sandbox.safaricom.co.ke"
	mpesaProductionURL = "https://api.safaricom.co.ke"
)

// MpesaConfig holds Daraja credentials.
type MpesaConfig struct {
	Environment    string // sandbox, production
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

// MpesaProvider implements the Adapter interface for M-Pesa STK push.
//
// M-Pesa is push-only: the outcome arrives on the callback URL and there is
// no status query, so Confirm returns ErrConfirmUnsupported.
type MpesaProvider struct {
	cfg    *MpesaConfig
	base   string
	api    *apiClient
	tokens oauth2.TokenSource
	logger *zap.Logger
	now    func() time.Time
}

// NewMpesaProvider creates a new M-Pesa provider.
func NewMpesaProvider(cfg *MpesaConfig, logger *zap.Logger) (*MpesaProvider, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" || cfg.Shortcode == "" || cfg.Passkey == "" {
		return nil, fmt.Errorf("mpesa: missing credentials")
	}
	base := mpesaSandboxURL
	if cfg.Environment == "production" {
		base = mpesaProductionURL
	}

	p := &MpesaProvider{
		cfg:    cfg,
		base:   base,
		api:    newAPIClient(NameMpesa, defaultRequestTimeout),
		logger: logger,
		now:    time.Now,
	}
	p.tokens = oauth2.ReuseTokenSource(nil, &darajaTokenSource{provider: p})
	return p, nil
}

// Name returns the provider name.
func (p *MpesaProvider) Name() string {
	return NameMpesa
}

// darajaTokenSource fetches OAuth access tokens from Daraja. Daraja uses the
// client-credentials grant over GET with basic auth, so the stock
// clientcredentials config does not fit; ReuseTokenSource handles caching.
type darajaTokenSource struct {
	provider *MpesaProvider
}

func (ts *darajaTokenSource) Token() (*oauth2.Token, error) {
	p := ts.provider
	url := p.base + "/oauth/v1/generate?grant_type=client_credentials"

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	auth := base64.StdEncoding.EncodeToString([]byte(p.cfg.ConsumerKey + ":" + p.cfg.ConsumerSecret))
	status, body, err := p.api.doJSON(ctx, http.MethodGet, url, map[string]string{
		"Authorization": "Basic " + auth,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("mpesa token: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("mpesa token: status %d", status)
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("mpesa token: decode: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("mpesa token: empty token")
	}

	expiresIn, _ := strconv.Atoi(resp.ExpiresIn)
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   "Bearer",
		Expiry:      p.now().Add(time.Duration(expiresIn-60) * time.Second),
	}, nil
}

// stkPassword builds the STK push password for the given timestamp.
func (p *MpesaProvider) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(p.cfg.Shortcode + p.cfg.Passkey + timestamp))
}

// Initiate triggers an STK push prompt on the payer's phone.
func (p *MpesaProvider) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResult, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}

	token, err := p.tokens.Token()
	if err != nil {
		return nil, err
	}

	timestamp := p.now().Format("20060102150405")
	payload := map[string]any{
		"BusinessShortCode": p.cfg.Shortcode,
		"Password":          p.stkPassword(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            int64(math.Round(req.AmountKES)),
		"PartyA":            phone,
		"PartyB":            p.cfg.Shortcode,
		"PhoneNumber":       phone,
		"CallBackURL":       p.cfg.CallbackURL,
		"AccountReference":  req.PaymentID,
		"TransactionDesc":   req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	status, respBody, err := p.api.doJSON(ctx, http.MethodPost,
		p.base+"/mpesa/stkpush/v1/processrequest",
		map[string]string{"Authorization": "Bearer " + token.AccessToken},
		body,
	)
	if err != nil {
		return nil, fmt.Errorf("mpesa stk push: %w", err)
	}

	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		ResponseCode      string `json:"ResponseCode"`
		CustomerMessage   string `json:"CustomerMessage"`
		ErrorMessage      string `json:"errorMessage"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("mpesa stk push: decode: %w", err)
	}
	if status != http.StatusOK || resp.ResponseCode != "0" {
		reason := resp.ErrorMessage
		if reason == "" {
			reason = fmt.Sprintf("status %d", status)
		}
		return nil, fmt.Errorf("mpesa stk push rejected: %s", reason)
	}

	p.logger.Info("stk push sent",
		zap.String("payment_id", req.PaymentID),
		zap.String("checkout_request_id", resp.CheckoutRequestID),
	)
	return &InitiateResult{
		CorrelationID:   resp.CheckoutRequestID,
		CustomerMessage: resp.CustomerMessage,
	}, nil
}

// Confirm is not supported; M-Pesa only pushes results.
func (p *MpesaProvider) Confirm(ctx context.Context, correlationID string) (*Result, error) {
	return nil, ErrConfirmUnsupported
}

// stkCallback is the Daraja callback envelope.
type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string `json:"Name"`
					Value any    `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// mpesaAck is the acknowledgement body Daraja expects.
const mpesaAck = `{"ResultCode":0,"ResultDesc":"Accepted"}`

// ParseWebhook parses an STK push callback. ResultCode 0 is success; any
// other code is a terminal failure (1032 is payer cancellation).
func (p *MpesaProvider) ParseWebhook(ctx context.Context, body []byte, headers map[string]string) (*Notification, error) {
	var cb stkCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("mpesa callback: decode: %w", err)
	}

	sc := cb.Body.StkCallback
	if sc.CheckoutRequestID == "" {
		return nil, fmt.Errorf("mpesa callback: missing CheckoutRequestID")
	}

	result := &Result{
		Terminal:   true,
		Status:     sc.ResultDesc,
		StatusCode: strconv.Itoa(sc.ResultCode),
	}

	if sc.ResultCode == 0 {
		result.Success = true
		for _, item := range sc.CallbackMetadata.Item {
			switch item.Name {
			case "Amount":
				if v, ok := item.Value.(float64); ok {
					result.AmountKES = v
				}
			case "MpesaReceiptNumber":
				if v, ok := item.Value.(string); ok {
					result.Receipt = v
				}
			case "PhoneNumber":
				switch v := item.Value.(type) {
				case float64:
					result.PayerRef = strconv.FormatInt(int64(v), 10)
				case string:
					result.PayerRef = v
				}
			}
		}
	} else {
		result.Canceled = sc.ResultCode == 1032
		result.FailureReason = sc.ResultDesc
	}

	return &Notification{
		CorrelationID: sc.CheckoutRequestID,
		Result:        result,
		Ack:           mpesaAck,
	}, nil
}
