package payment

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kilekitabu/server/internal/module/payment/provider"
)

func newWebhookRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewWebhookHandler(svc, zap.NewNop()).RegisterRoutes(r.Group("/webhooks"))
	return r
}

func postWebhook(r *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookEndpointReturnsProviderAck(t *testing.T) {
	adapter := &fakeAdapter{
		name: "mpesa",
		notif: &provider.Notification{
			CorrelationID: "ws_CO_1",
			Result:        &provider.Result{Success: true, Terminal: true, Receipt: "R1"},
			Ack:           `{"ResultCode":0,"ResultDesc":"Accepted"}`,
		},
	}
	svc, repo, _ := newTestService(t, adapter, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending, CorrelationID: "ws_CO_1"}
	require.NoError(t, repo.Create(context.Background(), record))

	w := postWebhook(newWebhookRouter(svc), "/webhooks/mpesa", []byte(`{}`))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, w.Body.String())
}

func TestWebhookEndpointAcksInternalFailure(t *testing.T) {
	adapter := &fakeAdapter{
		name: "mpesa",
		notif: &provider.Notification{
			CorrelationID: "ws_CO_1",
			Result:        &provider.Result{Success: true, Terminal: true, Receipt: "R1"},
			Ack:           `{"ResultCode":0,"ResultDesc":"Accepted"}`,
		},
	}
	svc, repo, granter := newTestService(t, adapter, Config{})
	granter.grantErr = errors.New("credit store down")

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending, CorrelationID: "ws_CO_1"}
	require.NoError(t, repo.Create(context.Background(), record))

	// The provider must see 200 even when resolution fails internally;
	// anything else triggers a redelivery storm.
	w := postWebhook(newWebhookRouter(svc), "/webhooks/mpesa", []byte(`{}`))
	assert.Equal(t, http.StatusOK, w.Code)

	// The record stays open for the scheduled poll to retry.
	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	// Once the credit store recovers, the sweep completes the payment.
	granter.grantErr = nil
	adapter.confirmRes = &provider.Result{Success: true, Terminal: true, Receipt: "R1"}
	_, err = svc.ResolvePending(context.Background(), 0, 10)
	require.NoError(t, err)

	stored, err = repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestWebhookEndpointAcksUnknownPayment(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "mpesa",
		notif: &provider.Notification{CorrelationID: "nope"},
	}
	svc, _, _ := newTestService(t, adapter, Config{})

	w := postWebhook(newWebhookRouter(svc), "/webhooks/mpesa", []byte(`{}`))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookEndpointAcksMalformedPayload(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa", parseErr: errors.New("bad payload")}
	svc, _, _ := newTestService(t, adapter, Config{})

	w := postWebhook(newWebhookRouter(svc), "/webhooks/mpesa", []byte(`garbage`))
	assert.Equal(t, http.StatusOK, w.Code)
}
