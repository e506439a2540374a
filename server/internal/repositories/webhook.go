package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kaonis/woly-server-sub003/server/internal/db"
)

// gormWebhookRepository is the GORM implementation of WebhookRepository.
type gormWebhookRepository struct {
	db *gorm.DB
}

// NewWebhookRepository returns a WebhookRepository backed by the provided *gorm.DB.
func NewWebhookRepository(db *gorm.DB) WebhookRepository {
	return &gormWebhookRepository{db: db}
}

// Create inserts a new webhook subscription.
func (r *gormWebhookRepository) Create(ctx context.Context, w *db.Webhook) error {
	if err := r.db.WithContext(ctx).Create(w).Error; err != nil {
		return fmt.Errorf("webhooks: create: %w", err)
	}
	return nil
}

// GetByID retrieves a webhook by UUID.
func (r *gormWebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error) {
	var w db.Webhook
	err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("webhooks: get by id: %w", err)
	}
	return &w, nil
}

// Delete removes a webhook and its delivery log.
func (r *gormWebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&db.WebhookDelivery{}, "webhook_id = ?", id).Error; err != nil {
			return fmt.Errorf("webhooks: delete deliveries: %w", err)
		}
		result := tx.Delete(&db.Webhook{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("webhooks: delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// List returns all webhook subscriptions.
func (r *gormWebhookRepository) List(ctx context.Context) ([]db.Webhook, error) {
	var out []db.Webhook
	if err := r.db.WithContext(ctx).Order("created_at").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list: %w", err)
	}
	return out, nil
}

// AppendDelivery records one delivery attempt.
func (r *gormWebhookRepository) AppendDelivery(ctx context.Context, d *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("webhooks: append delivery: %w", err)
	}
	return nil
}

// ListDeliveries returns the most recent delivery attempts for a webhook.
func (r *gormWebhookRepository) ListDeliveries(ctx context.Context, webhookID uuid.UUID, limit int) ([]db.WebhookDelivery, error) {
	var out []db.WebhookDelivery
	q := r.db.WithContext(ctx).Where("webhook_id = ?", webhookID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("webhooks: list deliveries: %w", err)
	}
	return out, nil
}
