package credit

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// Config holds credit accounting parameters. Amounts are KES.
type Config struct {
	DailyRateKES    float64
	FreeTrialDays   int
	MonthlyCapKES   float64
	MaxPrepayMonths int
}

// AccessDecision is the result of an access check.
type AccessDecision struct {
	Allowed            bool    `json:"allowed"`
	Reason             string  `json:"reason,omitempty"`
	InTrial            bool    `json:"in_trial"`
	Balance            int     `json:"balance"`
	RequiredPaymentKES float64 `json:"required_payment_kes,omitempty"`
}

// UsageResult is the result of recording a usage day.
type UsageResult struct {
	Charged bool   `json:"charged"`
	Reason  string `json:"reason,omitempty"`
	Balance int    `json:"balance"`
}

// Info summarizes a credit account for the API.
type Info struct {
	UserID             string  `json:"user_id"`
	Balance            int     `json:"balance"`
	InTrial            bool    `json:"in_trial"`
	TrialDaysRemaining int     `json:"trial_days_remaining"`
	TotalPaymentsKES   float64 `json:"total_payments_kes"`
	MonthlySpendKES    float64 `json:"monthly_spend_kes"`
	DailyRateKES       float64 `json:"daily_rate_kes"`
}

// Service manages credit accounts: trial access, balance grants, and the
// once-per-day usage deduction.
type Service struct {
	repo   Repository
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new credit service.
func NewService(repo Repository, cfg Config, logger *zap.Logger) *Service {
	if cfg.DailyRateKES == 0 {
		cfg.DailyRateKES = 5
	}
	if cfg.FreeTrialDays == 0 {
		cfg.FreeTrialDays = 7
	}
	if cfg.MaxPrepayMonths == 0 {
		cfg.MaxPrepayMonths = 12
	}
	return &Service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// GetOrCreate returns the user's account, creating an empty one on first use.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Account, error) {
	account, err := s.repo.GetAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if err != ErrAccountNotFound {
		return nil, err
	}

	account = &Account{
		UserID:           userID,
		CreditBalance:    0,
		RegistrationDate: s.now().UTC(),
		MonthlySpend:     datatypes.JSONMap{},
		MonthlyUsageDays: datatypes.JSONMap{},
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	s.logger.Info("credit account created", zap.String("user_id", userID))
	return account, nil
}

// inTrial reports whether now falls inside the free trial window.
func (s *Service) inTrial(account *Account, now time.Time) bool {
	trialEnd := account.RegistrationDate.AddDate(0, 0, s.cfg.FreeTrialDays)
	return now.Before(trialEnd)
}

// CheckAccess decides whether the user may use the service right now.
// The trial window grants access regardless of balance.
func (s *Service) CheckAccess(ctx context.Context, userID string) (*AccessDecision, error) {
	account, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if s.inTrial(account, now) {
		return &AccessDecision{
			Allowed: true,
			InTrial: true,
			Balance: account.CreditBalance,
		}, nil
	}

	if account.CreditBalance > 0 {
		return &AccessDecision{
			Allowed: true,
			Balance: account.CreditBalance,
		}, nil
	}

	return &AccessDecision{
		Allowed:            false,
		Reason:             "no credit remaining",
		Balance:            0,
		RequiredPaymentKES: s.cfg.DailyRateKES,
	}, nil
}

// GrantCredit applies a completed payment to the account. The grant is
// idempotent on paymentID: re-applying the same payment is a no-op, so a
// duplicate webhook or a poll racing a webhook cannot double-credit.
func (s *Service) GrantCredit(ctx context.Context, userID, paymentID string, days int, amountKES float64) error {
	account, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	if account.LastAppliedPaymentID == paymentID {
		s.logger.Info("credit already applied for payment, skipping",
			zap.String("user_id", userID),
			zap.String("payment_id", paymentID),
		)
		return nil
	}

	now := s.now().UTC()
	month := monthKey(now)

	if account.MonthlySpend == nil {
		account.MonthlySpend = datatypes.JSONMap{}
	}
	account.CreditBalance += days
	account.TotalPaymentsKES += amountKES
	account.MonthlySpend[month] = mapFloat(account.MonthlySpend, month) + amountKES
	account.LastPaymentDate = &now
	account.LastAppliedPaymentID = paymentID

	if err := s.repo.UpdateAccount(ctx, account); err != nil {
		return err
	}

	s.logger.Info("credit granted",
		zap.String("user_id", userID),
		zap.String("payment_id", paymentID),
		zap.Int("days", days),
		zap.Float64("amount_kes", amountKES),
		zap.Int("balance", account.CreditBalance),
	)
	return nil
}

// RecordUsage charges at most one credit day for today's usage.
//
// No deduction happens when today already has one, when the user paid today,
// or when the month's charged days have reached the monthly cap. Trial users
// are never charged.
func (s *Service) RecordUsage(ctx context.Context, userID, actionType string) (*UsageResult, error) {
	account, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	if s.inTrial(account, now) {
		return &UsageResult{Charged: false, Reason: "free trial", Balance: account.CreditBalance}, nil
	}

	if account.LastUsageDate != nil && sameDay(*account.LastUsageDate, now) {
		return &UsageResult{Charged: false, Reason: "already charged today", Balance: account.CreditBalance}, nil
	}

	if account.LastPaymentDate != nil && sameDay(*account.LastPaymentDate, now) {
		return &UsageResult{Charged: false, Reason: "payment day", Balance: account.CreditBalance}, nil
	}

	month := monthKey(now)
	if capDays := s.monthlyCapDays(); capDays > 0 {
		charged := int(mapFloat(account.MonthlyUsageDays, month))
		if charged >= capDays {
			return &UsageResult{Charged: false, Reason: "monthly cap reached", Balance: account.CreditBalance}, nil
		}
	}

	if account.CreditBalance <= 0 {
		return &UsageResult{Charged: false, Reason: "no credit remaining", Balance: 0}, ErrNoCredit
	}

	if account.MonthlyUsageDays == nil {
		account.MonthlyUsageDays = datatypes.JSONMap{}
	}
	account.CreditBalance--
	account.LastUsageDate = &now
	account.MonthlyUsageDays[month] = mapFloat(account.MonthlyUsageDays, month) + 1

	if err := s.repo.UpdateAccount(ctx, account); err != nil {
		return nil, err
	}

	event := &UsageEvent{
		UserID:     userID,
		ActionType: actionType,
		UsageDate:  now,
	}
	if err := s.repo.CreateUsageEvent(ctx, event); err != nil {
		s.logger.Error("failed to record usage event", zap.Error(err))
	}

	s.logger.Info("usage day charged",
		zap.String("user_id", userID),
		zap.String("action", actionType),
		zap.Int("balance", account.CreditBalance),
	)
	return &UsageResult{Charged: true, Balance: account.CreditBalance}, nil
}

// monthlyCapDays returns the maximum charged usage days per month,
// floor(cap / rate). Zero disables the cap.
func (s *Service) monthlyCapDays() int {
	if s.cfg.MonthlyCapKES <= 0 || s.cfg.DailyRateKES <= 0 {
		return 0
	}
	return int(math.Floor(s.cfg.MonthlyCapKES / s.cfg.DailyRateKES))
}

// MonthlySpend returns the KES paid in the given "YYYY-MM" month.
func (s *Service) MonthlySpend(ctx context.Context, userID, month string) (float64, error) {
	account, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, err
	}
	return mapFloat(account.MonthlySpend, month), nil
}

// MonthlyRemaining returns how much more KES the user may pay this month
// before hitting the prepay ceiling.
func (s *Service) MonthlyRemaining(ctx context.Context, userID string) (float64, error) {
	if s.cfg.MonthlyCapKES <= 0 {
		return math.MaxFloat64, nil
	}
	spend, err := s.MonthlySpend(ctx, userID, monthKey(s.now()))
	if err != nil {
		return 0, err
	}
	limit := s.cfg.MonthlyCapKES * float64(s.cfg.MaxPrepayMonths)
	remaining := limit - spend
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// CreditInfo summarizes the account for the credit-info endpoint.
func (s *Service) CreditInfo(ctx context.Context, userID string) (*Info, error) {
	account, err := s.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	info := &Info{
		UserID:           userID,
		Balance:          account.CreditBalance,
		InTrial:          s.inTrial(account, now),
		TotalPaymentsKES: account.TotalPaymentsKES,
		MonthlySpendKES:  mapFloat(account.MonthlySpend, monthKey(now)),
		DailyRateKES:     s.cfg.DailyRateKES,
	}
	if info.InTrial {
		trialEnd := account.RegistrationDate.AddDate(0, 0, s.cfg.FreeTrialDays)
		info.TrialDaysRemaining = int(math.Ceil(trialEnd.Sub(now).Hours() / 24))
	}
	return info, nil
}
