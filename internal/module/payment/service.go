package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kilekitabu/server/internal/module/fxrate"
	"github.com/kilekitabu/server/internal/module/payment/provider"
	apperrors "github.com/kilekitabu/server/internal/shared/errors"
	"github.com/kilekitabu/server/internal/utils/metrics"
	"github.com/kilekitabu/server/internal/utils/random"
)

// Outcome classifies the result of a resolve attempt.
type Outcome string

const (
	// OutcomeApplied means this resolver completed the payment and its
	// credit was granted.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyProcessed means another resolver finalized the record
	// first; nothing changed.
	OutcomeAlreadyProcessed Outcome = "already_processed"
	// OutcomeFailed means the record moved to a failure state.
	OutcomeFailed Outcome = "failed"
	// OutcomePending means no terminal result is known yet.
	OutcomePending Outcome = "pending"
)

// CreditGranter is the credit-side collaborator of the ledger.
type CreditGranter interface {
	GrantCredit(ctx context.Context, userID, paymentID string, days int, amountKES float64) error
	MonthlyRemaining(ctx context.Context, userID string) (float64, error)
}

// Converter turns foreign-currency amounts into KES.
type Converter interface {
	ConvertToKES(ctx context.Context, amount float64, currency string) float64
}

// Config holds payment service configuration.
type Config struct {
	DailyRateKES      float64
	MinPaymentKES     float64
	AllowTestPayments bool
	// TestCompleteDelay is how long a test payment stays open before the
	// auto-complete timer resolves it.
	TestCompleteDelay time.Duration
}

// Service is the payment ledger and reconciliation engine.
//
// Every path that learns a payment's outcome (webhook, poll, manual check,
// test auto-complete) funnels into resolve. Credit is granted before the
// status write; the grant's payment-ID marker and the conditional status
// update together make duplicate resolution a no-op.
type Service struct {
	repo     Repository
	registry *Registry
	credits  CreditGranter
	fx       Converter
	sm       *StateMachine
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new payment service.
func NewService(
	repo Repository,
	registry *Registry,
	credits CreditGranter,
	fx Converter,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	if cfg.DailyRateKES == 0 {
		cfg.DailyRateKES = 5
	}
	if cfg.TestCompleteDelay == 0 {
		cfg.TestCompleteDelay = 5 * time.Second
	}
	return &Service{
		repo:     repo,
		registry: registry,
		credits:  credits,
		fx:       fx,
		sm:       NewStateMachine(),
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Initiate validates the request, writes a PENDING record, and starts the
// payment with the provider. The credit-day count is computed and stored
// here so the eventual grant is immune to rate changes.
func (s *Service) Initiate(ctx context.Context, userID string, req *InitiateRequest) (*InitiateResponse, error) {
	adapter, err := s.registry.Get(req.Provider)
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown payment provider %q", req.Provider))
	}
	if req.Amount <= 0 {
		return nil, apperrors.ValidationError("amount must be positive")
	}

	currency := req.Currency
	if currency == "" {
		currency = "KES"
	}
	amountKES := s.fx.ConvertToKES(ctx, req.Amount, currency)
	if s.cfg.MinPaymentKES > 0 && amountKES < s.cfg.MinPaymentKES {
		return nil, apperrors.ValidationError(
			fmt.Sprintf("minimum payment is %.0f KES", s.cfg.MinPaymentKES))
	}

	remaining, err := s.credits.MonthlyRemaining(ctx, userID)
	if err != nil {
		return nil, err
	}
	if amountKES > remaining {
		return nil, apperrors.NewAppError(
			"MONTHLY_CAP_EXCEEDED",
			"monthly payment cap exceeded",
			http.StatusUnprocessableEntity,
			ErrMonthlyCapExceeded,
		).WithDetails(map[string]any{"remaining_kes": remaining})
	}

	days, _ := fxrate.ComputeCreditDays(amountKES, s.cfg.DailyRateKES)

	record := &Record{
		ID:         uuid.New(),
		UserID:     userID,
		Provider:   req.Provider,
		Amount:     req.Amount,
		Currency:   currency,
		AmountKES:  amountKES,
		CreditDays: days,
		Status:     StatusPending,
		Phone:      req.Phone,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordPaymentInitiated(req.Provider)
	}

	initReq := &provider.InitiateRequest{
		PaymentID:   record.ID.String(),
		UserID:      userID,
		AmountKES:   amountKES,
		Currency:    currency,
		Phone:       req.Phone,
		Email:       req.Email,
		Token:       req.Token,
		Description: fmt.Sprintf("%d day(s) of access", days),
	}
	initRes, err := adapter.Initiate(ctx, initReq)
	if err != nil {
		return s.handleInitiateFailure(ctx, record, err)
	}

	if initRes.CorrelationID != "" {
		if err := s.repo.AttachCorrelationID(ctx, record.ID, initRes.CorrelationID); err != nil {
			s.logger.Error("failed to attach correlation id",
				zap.String("payment_id", record.ID.String()),
				zap.Error(err),
			)
		}
	}

	return &InitiateResponse{
		PaymentID:       record.ID.String(),
		Status:          StatusPending,
		Provider:        req.Provider,
		AmountKES:       amountKES,
		CreditDays:      days,
		RedirectURL:     initRes.RedirectURL,
		ClientSecret:    initRes.ClientSecret,
		CustomerMessage: initRes.CustomerMessage,
	}, nil
}

// handleInitiateFailure finalizes a record whose provider call failed. With
// test payments enabled the record becomes a TEST_PAYMENT that auto-completes
// shortly, so client flows stay testable against dead sandboxes.
func (s *Service) handleInitiateFailure(ctx context.Context, record *Record, initErr error) (*InitiateResponse, error) {
	if s.cfg.AllowTestPayments {
		err := s.repo.FinalizeStatus(ctx, record.ID,
			[]Status{StatusPending}, StatusTestPayment, nil)
		if err == nil {
			s.logger.Warn("provider initiation failed, falling back to test payment",
				zap.String("payment_id", record.ID.String()),
				zap.String("provider", record.Provider),
				zap.Error(initErr),
			)
			s.scheduleTestComplete(record.ID)
			return &InitiateResponse{
				PaymentID:  record.ID.String(),
				Status:     StatusTestPayment,
				Provider:   record.Provider,
				AmountKES:  record.AmountKES,
				CreditDays: record.CreditDays,
			}, nil
		}
		s.logger.Error("failed to mark test payment", zap.Error(err))
	}

	reason := initErr.Error()
	if err := s.repo.FinalizeStatus(ctx, record.ID,
		[]Status{StatusPending}, StatusFailed,
		map[string]any{"failure_reason": reason}); err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		s.logger.Error("failed to mark payment failed", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.RecordPaymentResolved(record.Provider, string(StatusFailed))
	}

	if errors.Is(initErr, provider.ErrLegacyCardFlow) {
		return nil, apperrors.BadRequest(initErr.Error())
	}
	return nil, apperrors.ProviderUnavailable(record.Provider, initErr)
}

// scheduleTestComplete resolves a test payment with a synthetic success
// after the configured delay.
func (s *Service) scheduleTestComplete(id uuid.UUID) {
	time.AfterFunc(s.cfg.TestCompleteDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.CompleteTestPayment(ctx, "", id); err != nil {
			s.logger.Error("test payment auto-complete failed",
				zap.String("payment_id", id.String()),
				zap.Error(err),
			)
		}
	})
}

// CompleteTestPayment resolves a TEST_PAYMENT with a synthetic success.
// Refused when test payments are disabled, for records in any other state,
// and for callers who do not own the record. userID "" skips the ownership
// check (the auto-complete timer).
func (s *Service) CompleteTestPayment(ctx context.Context, userID string, id uuid.UUID) error {
	if !s.cfg.AllowTestPayments {
		return ErrTestPaymentsOff
	}
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if userID != "" && record.UserID != userID {
		return apperrors.Forbidden("")
	}
	if record.Status != StatusTestPayment {
		return ErrNotTestPayment
	}
	result := &provider.Result{
		Success:  true,
		Terminal: true,
		Status:   "test payment completed",
		Receipt:  "TEST" + random.UpperAlphaNum(8),
	}
	_, err = s.Resolve(ctx, record, result)
	return err
}

// CaptureContext creates a hosted-checkout capture context. Only providers
// whose checkout UI needs one implement it.
func (s *Service) CaptureContext(ctx context.Context, providerName string, amount float64, currency string) (string, error) {
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return "", apperrors.BadRequest(fmt.Sprintf("unknown payment provider %q", providerName))
	}
	creator, ok := adapter.(provider.CaptureContextCreator)
	if !ok {
		return "", apperrors.BadRequest(fmt.Sprintf("provider %q has no hosted checkout", providerName))
	}
	if amount <= 0 {
		return "", apperrors.ValidationError("amount must be positive")
	}
	return creator.CaptureContext(ctx, s.fx.ConvertToKES(ctx, amount, currency))
}

// Cancel abandons an open payment. The provider-side cancellation is best
// effort; the ledger records CANCELLED either way so the payer sees the
// payment closed.
func (s *Service) Cancel(ctx context.Context, userID string, id uuid.UUID) (*StatusResponse, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && record.UserID != userID {
		return nil, apperrors.Forbidden("")
	}
	if record.Status != StatusPending {
		return nil, ErrNotCancelable
	}

	if adapter, err := s.registry.Get(record.Provider); err == nil && record.CorrelationID != "" {
		if canceler, ok := adapter.(provider.Canceler); ok {
			if err := canceler.Cancel(ctx, record.CorrelationID); err != nil {
				s.logger.Warn("provider cancel failed",
					zap.String("payment_id", record.ID.String()),
					zap.String("provider", record.Provider),
					zap.Error(err),
				)
			}
		}
	}

	err = s.repo.FinalizeStatus(ctx, record.ID, []Status{StatusPending}, StatusCancelled,
		map[string]any{"failure_reason": "cancelled by payer"})
	if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		return nil, err
	}
	if err == nil {
		if s.metrics != nil {
			s.metrics.RecordPaymentResolved(record.Provider, string(StatusCancelled))
		}
		s.logger.Info("payment cancelled",
			zap.String("payment_id", record.ID.String()),
			zap.String("provider", record.Provider),
		)
	}

	record, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return ToStatusResponse(record), nil
}

// Resolve applies a provider outcome to a record. Safe to call from any
// number of concurrent paths for the same payment.
//
// On success the credit grant happens before the status write. A crash
// between the two leaves a granted, still-pending record; the next resolve
// retries the grant (skipped via the payment-ID marker) and completes the
// status write. Failure outcomes never touch credit.
func (s *Service) Resolve(ctx context.Context, record *Record, res *provider.Result) (Outcome, error) {
	if record.Status.IsTerminal() {
		return OutcomeAlreadyProcessed, nil
	}
	if res == nil || !res.Terminal {
		return OutcomePending, nil
	}

	from := []Status{StatusPending, StatusTestPayment}

	if res.Success {
		if err := s.credits.GrantCredit(ctx, record.UserID, record.ID.String(), record.CreditDays, record.AmountKES); err != nil {
			return OutcomePending, fmt.Errorf("grant credit: %w", err)
		}

		now := s.now().UTC()
		updates := map[string]any{
			"receipt":      res.Receipt,
			"payer_ref":    res.PayerRef,
			"completed_at": now,
		}
		err := s.repo.FinalizeStatus(ctx, record.ID, from, StatusCompleted, updates)
		if errors.Is(err, ErrAlreadyProcessed) {
			return OutcomeAlreadyProcessed, nil
		}
		if err != nil {
			return OutcomePending, err
		}

		if s.metrics != nil {
			s.metrics.RecordPaymentResolved(record.Provider, string(StatusCompleted))
			s.metrics.RecordCreditDaysGranted(record.CreditDays)
		}
		s.logger.Info("payment completed",
			zap.String("payment_id", record.ID.String()),
			zap.String("provider", record.Provider),
			zap.String("receipt", res.Receipt),
			zap.Int("credit_days", record.CreditDays),
		)
		return OutcomeApplied, nil
	}

	to := StatusFailed
	switch {
	case res.Canceled:
		to = StatusCancelled
	case res.Declined:
		to = StatusDeclined
	}
	// A test payment only ever completes; a late failure report from the
	// real provider must not claw it back.
	if !s.sm.CanTransition(record.Status, to) {
		return OutcomePending, nil
	}
	reason := res.FailureReason
	if reason == "" {
		reason = res.Status
	}

	err := s.repo.FinalizeStatus(ctx, record.ID, []Status{StatusPending}, to,
		map[string]any{"failure_reason": reason})
	if errors.Is(err, ErrAlreadyProcessed) {
		return OutcomeAlreadyProcessed, nil
	}
	if err != nil {
		return OutcomePending, err
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentResolved(record.Provider, string(to))
	}
	s.logger.Info("payment resolved as failure",
		zap.String("payment_id", record.ID.String()),
		zap.String("provider", record.Provider),
		zap.String("status", string(to)),
		zap.String("reason", reason),
	)
	return OutcomeFailed, nil
}

// HandleWebhook verifies, records, and applies a provider notification.
// The returned ack is the body the provider expects on acceptance.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, body []byte, headers map[string]string) (string, error) {
	adapter, err := s.registry.Get(providerName)
	if err != nil {
		return "", err
	}

	notif, err := adapter.ParseWebhook(ctx, body, headers)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordWebhookEvent(providerName, "rejected")
		}
		return "", err
	}
	if notif.CorrelationID == "" {
		// Event outside the payment lifecycle; acknowledge and drop.
		return notif.Ack, nil
	}

	record, err := s.locateRecord(ctx, providerName, notif)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordWebhookEvent(providerName, "orphaned")
		}
		s.logger.Warn("webhook for unknown payment",
			zap.String("provider", providerName),
			zap.String("correlation_id", notif.CorrelationID),
		)
		return "", err
	}

	// Audit trail. Correctness does not depend on this insert: the grant
	// marker and the conditional status update already make redelivery safe.
	event := &WebhookEvent{
		Provider:  providerName,
		EventID:   s.webhookEventID(notif),
		PaymentID: record.ID.String(),
		Data:      string(body),
	}
	if err := s.repo.CreateWebhookEvent(ctx, event); err != nil {
		s.logger.Debug("webhook event already recorded",
			zap.String("provider", providerName),
			zap.String("event_id", event.EventID),
		)
		event = nil
	}

	result := notif.Result
	if result == nil {
		// Notification carries no outcome; pull it.
		result, err = adapter.Confirm(ctx, notif.CorrelationID)
		if err != nil && !errors.Is(err, provider.ErrConfirmUnsupported) {
			return "", err
		}
	}

	outcome, resolveErr := s.Resolve(ctx, record, result)
	if event != nil {
		if err := s.repo.MarkWebhookEventProcessed(ctx, event.ID, resolveErr); err != nil {
			s.logger.Error("failed to mark webhook event processed", zap.Error(err))
		}
	}
	if resolveErr != nil {
		return "", resolveErr
	}

	if s.metrics != nil {
		s.metrics.RecordWebhookEvent(providerName, string(outcome))
	}
	return notif.Ack, nil
}

// webhookEventID builds the audit dedupe key for a notification. The status
// is included so a later delivery reporting a different state still gets its
// own audit row.
func (s *Service) webhookEventID(notif *provider.Notification) string {
	status := "notify"
	if notif.Result != nil {
		status = notif.Result.Status
		if status == "" {
			status = notif.Result.StatusCode
		}
	}
	return fmt.Sprintf("%s:%s", notif.CorrelationID, status)
}

// locateRecord finds the ledger record a notification refers to, by
// correlation ID first and the echoed merchant reference second.
func (s *Service) locateRecord(ctx context.Context, providerName string, notif *provider.Notification) (*Record, error) {
	record, err := s.repo.GetByCorrelationID(ctx, providerName, notif.CorrelationID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrPaymentNotFound) {
		return nil, err
	}

	if notif.MerchantRef != "" {
		if id, parseErr := uuid.Parse(notif.MerchantRef); parseErr == nil {
			if record, err := s.repo.GetByID(ctx, id); err == nil {
				return record, nil
			}
		}
	}

	// Google Pay payments carry the processor's correlation ID but are
	// recorded under the google_pay provider name.
	if providerName == provider.NameCybersource || providerName == provider.NameStripe {
		if record, err := s.repo.GetByCorrelationID(ctx, provider.NameGooglePay, notif.CorrelationID); err == nil {
			return record, nil
		}
	}

	return nil, ErrPaymentNotFound
}

// CheckStatus returns the payment's current status, confirming with the
// provider first when the record is still open. userID "" skips the
// ownership check (internal callers).
func (s *Service) CheckStatus(ctx context.Context, userID string, id uuid.UUID) (*StatusResponse, error) {
	record, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && record.UserID != userID {
		return nil, apperrors.Forbidden("")
	}

	if record.Status.IsTerminal() {
		return ToStatusResponse(record), nil
	}

	adapter, err := s.registry.Get(record.Provider)
	if err != nil {
		return ToStatusResponse(record), nil
	}
	if record.CorrelationID == "" {
		return ToStatusResponse(record), nil
	}

	result, err := adapter.Confirm(ctx, record.CorrelationID)
	if err != nil {
		if errors.Is(err, provider.ErrConfirmUnsupported) {
			return ToStatusResponse(record), nil
		}
		s.logger.Warn("status confirm failed",
			zap.String("payment_id", record.ID.String()),
			zap.Error(err),
		)
		return ToStatusResponse(record), nil
	}

	if _, err := s.Resolve(ctx, record, result); err != nil {
		return nil, err
	}

	record, err = s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return ToStatusResponse(record), nil
}

// ResolvePending sweeps open records older than olderThan and confirms each
// with its provider. Called from the scheduled poll endpoint.
func (s *Service) ResolvePending(ctx context.Context, olderThan time.Duration, limit int) (*PollResponse, error) {
	cutoff := s.now().Add(-olderThan)
	records, err := s.repo.ListPending(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	resp := &PollResponse{}
	for _, record := range records {
		resp.Checked++

		adapter, err := s.registry.Get(record.Provider)
		if err != nil || record.CorrelationID == "" {
			continue
		}
		result, err := adapter.Confirm(ctx, record.CorrelationID)
		if err != nil {
			if !errors.Is(err, provider.ErrConfirmUnsupported) {
				s.logger.Warn("poll confirm failed",
					zap.String("payment_id", record.ID.String()),
					zap.Error(err),
				)
			}
			continue
		}

		outcome, err := s.Resolve(ctx, record, result)
		if err != nil {
			s.logger.Error("poll resolve failed",
				zap.String("payment_id", record.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if outcome == OutcomeApplied || outcome == OutcomeFailed {
			resp.Resolved++
		}
	}
	return resp, nil
}

// ListByUser returns the user's payment history.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*StatusResponse, error) {
	records, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*StatusResponse, len(records))
	for i, r := range records {
		out[i] = ToStatusResponse(r)
	}
	return out, nil
}
