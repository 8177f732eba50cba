package credit

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Repository defines the interface for credit account data access.
type Repository interface {
	GetAccount(ctx context.Context, userID string) (*Account, error)
	CreateAccount(ctx context.Context, account *Account) error
	UpdateAccount(ctx context.Context, account *Account) error
	CreateUsageEvent(ctx context.Context, event *UsageEvent) error
	ListUsageEvents(ctx context.Context, userID string, limit int) ([]*UsageEvent, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new credit repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetAccount(ctx context.Context, userID string) (*Account, error) {
	var account Account
	err := r.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get credit account: %w", err)
	}
	return &account, nil
}

func (r *repository) CreateAccount(ctx context.Context, account *Account) error {
	if err := r.db.WithContext(ctx).Create(account).Error; err != nil {
		return fmt.Errorf("create credit account: %w", err)
	}
	return nil
}

func (r *repository) UpdateAccount(ctx context.Context, account *Account) error {
	if err := r.db.WithContext(ctx).Save(account).Error; err != nil {
		return fmt.Errorf("update credit account: %w", err)
	}
	return nil
}

func (r *repository) CreateUsageEvent(ctx context.Context, event *UsageEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("create usage event: %w", err)
	}
	return nil
}

func (r *repository) ListUsageEvents(ctx context.Context, userID string, limit int) ([]*UsageEvent, error) {
	var events []*UsageEvent
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("usage_date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	return events, nil
}
