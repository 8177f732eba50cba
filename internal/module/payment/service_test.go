package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kilekitabu/server/internal/module/payment/provider"
	apperrors "github.com/kilekitabu/server/internal/shared/errors"
)

type memRepo struct {
	records map[uuid.UUID]*Record
	events  []*WebhookEvent
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]*Record)}
}

func (r *memRepo) Create(_ context.Context, record *Record) error {
	cp := *record
	r.records[record.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	record, ok := r.records[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *record
	return &cp, nil
}

func (r *memRepo) GetByCorrelationID(_ context.Context, providerName, correlationID string) (*Record, error) {
	for _, record := range r.records {
		if record.Provider == providerName && record.CorrelationID == correlationID {
			cp := *record
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (r *memRepo) AttachCorrelationID(_ context.Context, id uuid.UUID, correlationID string) error {
	record, ok := r.records[id]
	if !ok {
		return ErrPaymentNotFound
	}
	record.CorrelationID = correlationID
	return nil
}

func (r *memRepo) FinalizeStatus(_ context.Context, id uuid.UUID, fromStatuses []Status, toStatus Status, updates map[string]any) error {
	record, ok := r.records[id]
	if !ok {
		return ErrPaymentNotFound
	}
	matched := false
	for _, s := range fromStatuses {
		if record.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return ErrAlreadyProcessed
	}
	record.Status = toStatus
	for k, v := range updates {
		switch k {
		case "receipt":
			record.Receipt = v.(string)
		case "payer_ref":
			record.PayerRef = v.(string)
		case "completed_at":
			at := v.(time.Time)
			record.CompletedAt = &at
		case "failure_reason":
			reason := v.(string)
			record.FailureReason = &reason
		}
	}
	return nil
}

func (r *memRepo) ListByUser(_ context.Context, userID string, limit int) ([]*Record, error) {
	var out []*Record
	for _, record := range r.records {
		if record.UserID == userID {
			cp := *record
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) ListPending(_ context.Context, _ time.Time, _ int) ([]*Record, error) {
	var out []*Record
	for _, record := range r.records {
		if record.Status == StatusPending {
			cp := *record
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) CreateWebhookEvent(_ context.Context, event *WebhookEvent) error {
	for _, e := range r.events {
		if e.Provider == event.Provider && e.EventID == event.EventID {
			return errors.New("duplicate event")
		}
	}
	event.ID = uuid.New()
	r.events = append(r.events, event)
	return nil
}

func (r *memRepo) MarkWebhookEventProcessed(_ context.Context, id uuid.UUID, _ error) error {
	for _, e := range r.events {
		if e.ID == id {
			e.Processed = true
			return nil
		}
	}
	return nil
}

type fakeGranter struct {
	grants    map[string]int
	remaining float64
	grantErr  error
}

func newFakeGranter() *fakeGranter {
	return &fakeGranter{grants: make(map[string]int), remaining: 1800}
}

func (g *fakeGranter) GrantCredit(_ context.Context, _, paymentID string, days int, _ float64) error {
	if g.grantErr != nil {
		return g.grantErr
	}
	if _, ok := g.grants[paymentID]; ok {
		return nil // idempotent
	}
	g.grants[paymentID] = days
	return nil
}

func (g *fakeGranter) MonthlyRemaining(_ context.Context, _ string) (float64, error) {
	return g.remaining, nil
}

type identityConverter struct{}

func (identityConverter) ConvertToKES(_ context.Context, amount float64, _ string) float64 {
	return amount
}

type fakeAdapter struct {
	name        string
	initRes     *provider.InitiateResult
	initErr     error
	confirmRes  *provider.Result
	confirmErr  error
	notif       *provider.Notification
	parseErr    error
	confirmHits int
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Initiate(_ context.Context, _ *provider.InitiateRequest) (*provider.InitiateResult, error) {
	if a.initErr != nil {
		return nil, a.initErr
	}
	return a.initRes, nil
}

func (a *fakeAdapter) Confirm(_ context.Context, _ string) (*provider.Result, error) {
	a.confirmHits++
	if a.confirmErr != nil {
		return nil, a.confirmErr
	}
	return a.confirmRes, nil
}

func (a *fakeAdapter) ParseWebhook(_ context.Context, _ []byte, _ map[string]string) (*provider.Notification, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	return a.notif, nil
}

// fakeCheckoutAdapter adds the optional hosted-checkout surfaces.
type fakeCheckoutAdapter struct {
	fakeAdapter
	captureJWT string
	captureErr error
	cancelErr  error
	cancelHits int
}

func (a *fakeCheckoutAdapter) CaptureContext(_ context.Context, _ float64) (string, error) {
	if a.captureErr != nil {
		return "", a.captureErr
	}
	return a.captureJWT, nil
}

func (a *fakeCheckoutAdapter) Cancel(_ context.Context, _ string) error {
	a.cancelHits++
	return a.cancelErr
}

func newTestService(t *testing.T, adapter *fakeAdapter, cfg Config) (*Service, *memRepo, *fakeGranter) {
	t.Helper()
	repo := newMemRepo()
	granter := newFakeGranter()
	registry := NewRegistry()
	if adapter != nil {
		registry.Register(adapter)
	}
	if cfg.DailyRateKES == 0 {
		cfg.DailyRateKES = 5
	}
	if cfg.TestCompleteDelay == 0 {
		cfg.TestCompleteDelay = time.Hour // keep the timer out of tests
	}
	svc := NewService(repo, registry, granter, identityConverter{}, cfg, nil, zap.NewNop())
	return svc, repo, granter
}

func TestInitiateCreatesPendingRecord(t *testing.T) {
	adapter := &fakeAdapter{
		name: "mpesa",
		initRes: &provider.InitiateResult{
			CorrelationID:   "ws_CO_1",
			CustomerMessage: "Check your phone",
		},
	}
	svc, repo, _ := newTestService(t, adapter, Config{MinPaymentKES: 10})

	resp, err := svc.Initiate(context.Background(), "user-1", &InitiateRequest{
		Provider: "mpesa",
		Amount:   100,
		Phone:    "254712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resp.Status)
	assert.Equal(t, 100.0, resp.AmountKES)
	assert.Equal(t, 20, resp.CreditDays)
	assert.Equal(t, "Check your phone", resp.CustomerMessage)

	stored, err := repo.GetByCorrelationID(context.Background(), "mpesa", "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Equal(t, "user-1", stored.UserID)
	assert.Equal(t, 20, stored.CreditDays)
}

func TestInitiateRejectsUnknownProvider(t *testing.T) {
	svc, _, _ := newTestService(t, nil, Config{})

	_, err := svc.Initiate(context.Background(), "user-1", &InitiateRequest{
		Provider: "bitcoin",
		Amount:   100,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestInitiateRejectsBelowMinimum(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa", initRes: &provider.InitiateResult{}}
	svc, _, _ := newTestService(t, adapter, Config{MinPaymentKES: 10})

	_, err := svc.Initiate(context.Background(), "user-1", &InitiateRequest{
		Provider: "mpesa",
		Amount:   5,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestInitiateRejectsOverMonthlyCeiling(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa", initRes: &provider.InitiateResult{}}
	svc, repo, granter := newTestService(t, adapter, Config{})
	granter.remaining = 50

	_, err := svc.Initiate(context.Background(), "user-1", &InitiateRequest{
		Provider: "mpesa",
		Amount:   100,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMonthlyCapExceeded)
	assert.Empty(t, repo.records)
}

func TestInitiateFailureMarksFailed(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa", initErr: errors.New("sandbox down")}
	svc, repo, _ := newTestService(t, adapter, Config{})

	_, err := svc.Initiate(context.Background(), "user-1", &InitiateRequest{
		Provider: "mpesa",
		Amount:   100,
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsProviderUnavailable(err))

	require.Len(t, repo.records, 1)
	for _, record := range repo.records {
		assert.Equal(t, StatusFailed, record.Status)
		require.NotNil(t, record.FailureReason)
	}
}

func TestInitiateFailureFallsBackToTestPayment(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa", initErr: errors.New("sandbox down")}
	svc, repo, _ := newTestService(t, adapter, Config{AllowTestPayments: true})

	resp, err := svc.Initiate(context.Background(), "user-1", &InitiateRequest{
		Provider: "mpesa",
		Amount:   100,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTestPayment, resp.Status)

	id, err := uuid.Parse(resp.PaymentID)
	require.NoError(t, err)
	stored, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusTestPayment, stored.Status)
}

func TestResolveSuccessGrantsThenCompletes(t *testing.T) {
	svc, repo, granter := newTestService(t, nil, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending}
	require.NoError(t, repo.Create(context.Background(), record))

	outcome, err := svc.Resolve(context.Background(), record, &provider.Result{
		Success:  true,
		Terminal: true,
		Receipt:  "ABC123",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 20, granter.grants[record.ID.String()])

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, "ABC123", stored.Receipt)
	assert.NotNil(t, stored.CompletedAt)
}

func TestResolveDuplicateIsAlreadyProcessed(t *testing.T) {
	svc, repo, granter := newTestService(t, nil, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending}
	require.NoError(t, repo.Create(context.Background(), record))

	result := &provider.Result{Success: true, Terminal: true, Receipt: "ABC123"}
	_, err := svc.Resolve(context.Background(), record, result)
	require.NoError(t, err)

	// Redelivery resolves against the fresh record.
	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	outcome, err := svc.Resolve(context.Background(), stored, result)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)

	// A stale in-memory copy racing the first resolver also loses.
	outcome, err = svc.Resolve(context.Background(), record, result)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyProcessed, outcome)

	assert.Len(t, granter.grants, 1)
}

func TestResolveFailureDoesNotGrant(t *testing.T) {
	svc, repo, granter := newTestService(t, nil, Config{})

	tests := []struct {
		name   string
		result *provider.Result
		want   Status
	}{
		{"failed", &provider.Result{Terminal: true, FailureReason: "timeout"}, StatusFailed},
		{"declined", &provider.Result{Terminal: true, Declined: true, FailureReason: "insufficient funds"}, StatusDeclined},
		{"canceled", &provider.Result{Terminal: true, Canceled: true}, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending}
			require.NoError(t, repo.Create(context.Background(), record))

			outcome, err := svc.Resolve(context.Background(), record, tt.result)
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailed, outcome)

			stored, err := repo.GetByID(context.Background(), record.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)
		})
	}

	assert.Empty(t, granter.grants)
}

func TestResolvePendingResultLeavesRecordOpen(t *testing.T) {
	svc, repo, _ := newTestService(t, nil, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", Status: StatusPending}
	require.NoError(t, repo.Create(context.Background(), record))

	outcome, err := svc.Resolve(context.Background(), record, &provider.Result{Terminal: false, Status: "processing"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)

	outcome, err = svc.Resolve(context.Background(), record, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
}

func TestResolveIgnoresFailureForTestPayment(t *testing.T) {
	svc, repo, _ := newTestService(t, nil, Config{AllowTestPayments: true})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", Status: StatusTestPayment}
	require.NoError(t, repo.Create(context.Background(), record))

	outcome, err := svc.Resolve(context.Background(), record, &provider.Result{Terminal: true, FailureReason: "late failure"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, outcome)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTestPayment, stored.Status)
}

func TestCompleteTestPayment(t *testing.T) {
	svc, repo, granter := newTestService(t, nil, Config{AllowTestPayments: true})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 50, CreditDays: 10, Status: StatusTestPayment}
	require.NoError(t, repo.Create(context.Background(), record))

	require.NoError(t, svc.CompleteTestPayment(context.Background(), "user-1", record.ID))

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Equal(t, 10, granter.grants[record.ID.String()])
}

func TestCompleteTestPaymentRefusedWhenDisabled(t *testing.T) {
	svc, repo, _ := newTestService(t, nil, Config{AllowTestPayments: false})

	record := &Record{ID: uuid.New(), UserID: "user-1", Status: StatusTestPayment}
	require.NoError(t, repo.Create(context.Background(), record))

	err := svc.CompleteTestPayment(context.Background(), "user-1", record.ID)
	assert.ErrorIs(t, err, ErrTestPaymentsOff)
}

func TestCompleteTestPaymentRefusesPendingRecord(t *testing.T) {
	svc, repo, granter := newTestService(t, nil, Config{AllowTestPayments: true})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending}
	require.NoError(t, repo.Create(context.Background(), record))

	err := svc.CompleteTestPayment(context.Background(), "user-1", record.ID)
	assert.ErrorIs(t, err, ErrNotTestPayment)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Empty(t, granter.grants)
}

func TestCompleteTestPaymentEnforcesOwnership(t *testing.T) {
	svc, repo, granter := newTestService(t, nil, Config{AllowTestPayments: true})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 50, CreditDays: 10, Status: StatusTestPayment}
	require.NoError(t, repo.Create(context.Background(), record))

	err := svc.CompleteTestPayment(context.Background(), "user-2", record.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusTestPayment, stored.Status)
	assert.Empty(t, granter.grants)
}

func TestHandleWebhookWithInlineOutcome(t *testing.T) {
	adapter := &fakeAdapter{
		name: "mpesa",
		notif: &provider.Notification{
			CorrelationID: "ws_CO_1",
			Result: &provider.Result{
				Success:  true,
				Terminal: true,
				Receipt:  "QGH7SK61SV",
			},
			Ack: `{"ResultCode":0,"ResultDesc":"Accepted"}`,
		},
	}
	svc, repo, granter := newTestService(t, adapter, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending, CorrelationID: "ws_CO_1"}
	require.NoError(t, repo.Create(context.Background(), record))

	ack, err := svc.HandleWebhook(context.Background(), "mpesa", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Contains(t, ack, "Accepted")
	assert.Equal(t, 20, granter.grants[record.ID.String()])
	assert.Equal(t, 0, adapter.confirmHits)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Len(t, repo.events, 1)
}

func TestHandleWebhookConfirmsWhenOutcomeMissing(t *testing.T) {
	adapter := &fakeAdapter{
		name: "pesapal",
		notif: &provider.Notification{
			CorrelationID: "track-1",
			Ack:           `{"status":200}`,
		},
		confirmRes: &provider.Result{Success: true, Terminal: true, Receipt: "PP-1"},
	}
	svc, repo, granter := newTestService(t, adapter, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "pesapal", AmountKES: 50, CreditDays: 10, Status: StatusPending, CorrelationID: "track-1"}
	require.NoError(t, repo.Create(context.Background(), record))

	_, err := svc.HandleWebhook(context.Background(), "pesapal", []byte(`{}`), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, adapter.confirmHits)
	assert.Equal(t, 10, granter.grants[record.ID.String()])
}

func TestHandleWebhookDuplicateDeliveryIsHarmless(t *testing.T) {
	adapter := &fakeAdapter{
		name: "mpesa",
		notif: &provider.Notification{
			CorrelationID: "ws_CO_1",
			Result:        &provider.Result{Success: true, Terminal: true, Receipt: "R1"},
			Ack:           `{"ResultCode":0,"ResultDesc":"Accepted"}`,
		},
	}
	svc, repo, granter := newTestService(t, adapter, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", AmountKES: 100, CreditDays: 20, Status: StatusPending, CorrelationID: "ws_CO_1"}
	require.NoError(t, repo.Create(context.Background(), record))

	_, err := svc.HandleWebhook(context.Background(), "mpesa", []byte(`{}`), nil)
	require.NoError(t, err)
	_, err = svc.HandleWebhook(context.Background(), "mpesa", []byte(`{}`), nil)
	require.NoError(t, err)

	assert.Len(t, granter.grants, 1)
	assert.Len(t, repo.events, 1)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestHandleWebhookUnknownPayment(t *testing.T) {
	adapter := &fakeAdapter{
		name:  "mpesa",
		notif: &provider.Notification{CorrelationID: "nope"},
	}
	svc, _, _ := newTestService(t, adapter, Config{})

	_, err := svc.HandleWebhook(context.Background(), "mpesa", []byte(`{}`), nil)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestCheckStatusEnforcesOwnership(t *testing.T) {
	svc, repo, _ := newTestService(t, nil, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", Status: StatusCompleted}
	require.NoError(t, repo.Create(context.Background(), record))

	_, err := svc.CheckStatus(context.Background(), "user-2", record.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)

	resp, err := svc.CheckStatus(context.Background(), "user-1", record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
}

func TestCheckStatusConfirmsOpenRecord(t *testing.T) {
	adapter := &fakeAdapter{
		name:       "pesapal",
		confirmRes: &provider.Result{Success: true, Terminal: true, Receipt: "PP-9"},
	}
	svc, repo, _ := newTestService(t, adapter, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "pesapal", AmountKES: 50, CreditDays: 10, Status: StatusPending, CorrelationID: "track-9"}
	require.NoError(t, repo.Create(context.Background(), record))

	resp, err := svc.CheckStatus(context.Background(), "user-1", record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, "PP-9", resp.Receipt)
}

func TestCheckStatusToleratesConfirmUnsupported(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa", confirmErr: provider.ErrConfirmUnsupported}
	svc, repo, _ := newTestService(t, adapter, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", Status: StatusPending, CorrelationID: "ws_CO_2"}
	require.NoError(t, repo.Create(context.Background(), record))

	resp, err := svc.CheckStatus(context.Background(), "user-1", record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, resp.Status)
}

func TestResolvePendingSweep(t *testing.T) {
	adapter := &fakeAdapter{
		name:       "pesapal",
		confirmRes: &provider.Result{Success: true, Terminal: true},
	}
	svc, repo, _ := newTestService(t, adapter, Config{})

	open := &Record{ID: uuid.New(), UserID: "user-1", Provider: "pesapal", CreditDays: 5, Status: StatusPending, CorrelationID: "track-1"}
	done := &Record{ID: uuid.New(), UserID: "user-1", Provider: "pesapal", Status: StatusCompleted, CorrelationID: "track-2"}
	require.NoError(t, repo.Create(context.Background(), open))
	require.NoError(t, repo.Create(context.Background(), done))

	resp, err := svc.ResolvePending(context.Background(), time.Minute, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Checked)
	assert.Equal(t, 1, resp.Resolved)

	stored, err := repo.GetByID(context.Background(), open.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
}

func TestCaptureContext(t *testing.T) {
	checkout := &fakeCheckoutAdapter{
		fakeAdapter: fakeAdapter{name: "cybersource"},
		captureJWT:  "eyJjdHgifQ",
	}
	svc, _, _ := newTestService(t, nil, Config{})
	svc.registry.Register(checkout)

	jwt, err := svc.CaptureContext(context.Background(), "cybersource", 100, "KES")
	require.NoError(t, err)
	assert.Equal(t, "eyJjdHgifQ", jwt)
}

func TestCaptureContextUnsupportedProvider(t *testing.T) {
	adapter := &fakeAdapter{name: "mpesa"}
	svc, _, _ := newTestService(t, adapter, Config{})

	_, err := svc.CaptureContext(context.Background(), "mpesa", 100, "KES")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = svc.CaptureContext(context.Background(), "bitcoin", 100, "KES")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestCancelMarksCancelled(t *testing.T) {
	checkout := &fakeCheckoutAdapter{fakeAdapter: fakeAdapter{name: "pesapal"}}
	svc, repo, granter := newTestService(t, nil, Config{})
	svc.registry.Register(checkout)

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "pesapal", AmountKES: 100, CreditDays: 20, Status: StatusPending, CorrelationID: "track-1"}
	require.NoError(t, repo.Create(context.Background(), record))

	resp, err := svc.Cancel(context.Background(), "user-1", record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)
	assert.Equal(t, 1, checkout.cancelHits)
	assert.Empty(t, granter.grants)

	stored, err := repo.GetByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status)
	require.NotNil(t, stored.FailureReason)
	assert.Equal(t, "cancelled by payer", *stored.FailureReason)
}

func TestCancelSurvivesProviderFailure(t *testing.T) {
	checkout := &fakeCheckoutAdapter{
		fakeAdapter: fakeAdapter{name: "pesapal"},
		cancelErr:   errors.New("sandbox down"),
	}
	svc, repo, _ := newTestService(t, nil, Config{})
	svc.registry.Register(checkout)

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "pesapal", Status: StatusPending, CorrelationID: "track-1"}
	require.NoError(t, repo.Create(context.Background(), record))

	resp, err := svc.Cancel(context.Background(), "user-1", record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, resp.Status)
}

func TestCancelEnforcesOwnership(t *testing.T) {
	svc, repo, _ := newTestService(t, nil, Config{})

	record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", Status: StatusPending}
	require.NoError(t, repo.Create(context.Background(), record))

	_, err := svc.Cancel(context.Background(), "user-2", record.ID)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestCancelRefusedWhenNotPending(t *testing.T) {
	svc, repo, _ := newTestService(t, nil, Config{})

	for _, status := range []Status{StatusCompleted, StatusFailed, StatusTestPayment} {
		record := &Record{ID: uuid.New(), UserID: "user-1", Provider: "mpesa", Status: status}
		require.NoError(t, repo.Create(context.Background(), record))

		_, err := svc.Cancel(context.Background(), "user-1", record.ID)
		assert.ErrorIs(t, err, ErrNotCancelable, "status %s", status)
	}
}
