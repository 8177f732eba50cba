package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Repository defines the interface for payment data access.
type Repository interface {
	Create(ctx context.Context, record *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByCorrelationID(ctx context.Context, provider, correlationID string) (*Record, error)
	AttachCorrelationID(ctx context.Context, id uuid.UUID, correlationID string) error
	// FinalizeStatus moves the record from one of fromStatuses to toStatus
	// with a conditional update. ErrAlreadyProcessed means another resolver
	// won the race.
	FinalizeStatus(ctx context.Context, id uuid.UUID, fromStatuses []Status, toStatus Status, updates map[string]any) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error)

	// Webhook event operations
	CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error
	MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, err error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new payment repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, record *Record) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	var record Record
	err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &record, nil
}

func (r *repository) GetByCorrelationID(ctx context.Context, provider, correlationID string) (*Record, error) {
	var record Record
	err := r.db.WithContext(ctx).
		First(&record, "provider = ? AND correlation_id = ?", provider, correlationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment by correlation id: %w", err)
	}
	return &record, nil
}

func (r *repository) AttachCorrelationID(ctx context.Context, id uuid.UUID, correlationID string) error {
	err := r.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", id).
		Update("correlation_id", correlationID).Error
	if err != nil {
		return fmt.Errorf("attach correlation id: %w", err)
	}
	return nil
}

func (r *repository) FinalizeStatus(ctx context.Context, id uuid.UUID, fromStatuses []Status, toStatus Status, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = toStatus

	res := r.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finalize payment status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (r *repository) ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error) {
	var records []*Record
	q := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list payments by user: %w", err)
	}
	return records, nil
}

func (r *repository) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Record, error) {
	var records []*Record
	q := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", StatusPending, olderThan).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	return records, nil
}

// --- Webhook Event Operations ---

func (r *repository) CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("create webhook event: %w", err)
	}
	return nil
}

func (r *repository) MarkWebhookEventProcessed(ctx context.Context, id uuid.UUID, processErr error) error {
	updates := map[string]any{
		"processed":    true,
		"processed_at": gorm.Expr("NOW()"),
	}
	if processErr != nil {
		errStr := processErr.Error()
		updates["error"] = errStr
	}
	err := r.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	return nil
}
