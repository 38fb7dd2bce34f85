package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ComUnity/edge-service/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type gormWebhookLogRepository struct {
	db *gorm.DB
}

func NewGormWebhookLogRepository(db *gorm.DB) WebhookLogRepository {
	return &gormWebhookLogRepository{db: db}
}

func (r *gormWebhookLogRepository) Exists(ctx context.Context, webhookID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.WebhookLog{}).
		Where("webhook_id = ?", webhookID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to look up webhook %s: %w", webhookID, err)
	}
	return n > 0, nil
}

// Create relies on the unique webhook_id index so that two concurrent
// deliveries racing past Exists still insert only once.
func (r *gormWebhookLogRepository) Create(ctx context.Context, entry *models.WebhookLog) error {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "webhook_id"}},
		DoNothing: true,
	}).Create(entry)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert webhook log: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *gormWebhookLogRepository) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":       models.WebhookStatusProcessed,
		"processed_at": at,
	})
}

func (r *gormWebhookLogRepository) MarkErrored(ctx context.Context, id string, errMsg string, at time.Time) error {
	return r.update(ctx, id, map[string]any{
		"status":       models.WebhookStatusErrored,
		"error_log":    errMsg,
		"processed_at": at,
	})
}

func (r *gormWebhookLogRepository) update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).
		Model(&models.WebhookLog{}).
		Where("id = ?", id).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update webhook log %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &pgErr) && pgErr.Code == "23505")
}
