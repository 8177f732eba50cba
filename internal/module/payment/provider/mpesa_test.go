package provider

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMpesa(t *testing.T) *MpesaProvider {
	t.Helper()
	p, err := NewMpesaProvider(&MpesaConfig{
		Environment:    "sandbox",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/webhooks/mpesa",
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestNewMpesaProviderRequiresCredentials(t *testing.T) {
	_, err := NewMpesaProvider(&MpesaConfig{ConsumerKey: "key"}, zap.NewNop())
	assert.Error(t, err)
}

func TestMpesaStkPassword(t *testing.T) {
	p := newTestMpesa(t)
	ts := time.Date(2026, 3, 10, 14, 30, 5, 0, time.UTC).Format("20060102150405")

	assert.Equal(t, "20260310143005", ts)
	want := base64.StdEncoding.EncodeToString([]byte("174379" + "passkey" + ts))
	assert.Equal(t, want, p.stkPassword(ts))
}

func TestMpesaConfirmUnsupported(t *testing.T) {
	p := newTestMpesa(t)
	_, err := p.Confirm(context.Background(), "ws_CO_1")
	assert.ErrorIs(t, err, ErrConfirmUnsupported)
}

func TestMpesaParseWebhookSuccess(t *testing.T) {
	p := newTestMpesa(t)

	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.0},
						{"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
						{"Name": "TransactionDate", "Value": 20191219102115},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`)

	notif, err := p.ParseWebhook(context.Background(), body, nil)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", notif.CorrelationID)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, notif.Ack)

	require.NotNil(t, notif.Result)
	assert.True(t, notif.Result.Success)
	assert.True(t, notif.Result.Terminal)
	assert.Equal(t, 100.0, notif.Result.AmountKES)
	assert.Equal(t, "NLJ7RT61SV", notif.Result.Receipt)
	assert.Equal(t, "254712345678", notif.Result.PayerRef)
}

func TestMpesaParseWebhookCancellation(t *testing.T) {
	p := newTestMpesa(t)

	body := []byte(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "29115-34620561-1",
				"CheckoutRequestID": "ws_CO_191220191020363925",
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`)

	notif, err := p.ParseWebhook(context.Background(), body, nil)
	require.NoError(t, err)

	require.NotNil(t, notif.Result)
	assert.False(t, notif.Result.Success)
	assert.True(t, notif.Result.Terminal)
	assert.True(t, notif.Result.Canceled)
	assert.Equal(t, "Request cancelled by user", notif.Result.FailureReason)
	assert.Equal(t, "1032", notif.Result.StatusCode)
}

func TestMpesaParseWebhookFailure(t *testing.T) {
	p := newTestMpesa(t)

	body := []byte(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 1037,
				"ResultDesc": "DS timeout"
			}
		}
	}`)

	notif, err := p.ParseWebhook(context.Background(), body, nil)
	require.NoError(t, err)
	assert.True(t, notif.Result.Terminal)
	assert.False(t, notif.Result.Success)
	assert.False(t, notif.Result.Canceled)
}

func TestMpesaParseWebhookRejectsGarbage(t *testing.T) {
	p := newTestMpesa(t)

	_, err := p.ParseWebhook(context.Background(), []byte(`not json`), nil)
	assert.Error(t, err)

	_, err = p.ParseWebhook(context.Background(), []byte(`{"Body":{"stkCallback":{}}}`), nil)
	assert.Error(t, err)
}
