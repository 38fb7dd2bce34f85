package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ComUnity/edge-service/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// TestRepository reads A/B tests for the traffic router.
type TestRepository interface {
	// FindActiveBySlug returns the active test for slug with its variants,
	// or ErrNotFound. A test with no variants is returned with an empty slice.
	FindActiveBySlug(ctx context.Context, slug string) (*models.Test, error)
	IncrementVisits(ctx context.Context, variantID string) error
}

// SubscriptionRepository lists and prunes browser push subscriptions.
type SubscriptionRepository interface {
	ListSubscriptions(ctx context.Context) ([]models.PushSubscription, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// WebhookLogRepository is the durable idempotency log for inbound webhooks.
type WebhookLogRepository interface {
	Exists(ctx context.Context, webhookID string) (bool, error)
	// Create inserts a received entry; ErrDuplicate when webhookID is taken.
	Create(ctx context.Context, entry *models.WebhookLog) error
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkErrored(ctx context.Context, id string, errMsg string, at time.Time) error
}

// CRMRecord is one of the normalized CRM rows (Opportunity, Contact,
// Appointment, CRMUser).
type CRMRecord interface {
	TableName() string
}

// CRMRepository mirrors CRM entities with last-write-wins upserts.
type CRMRepository interface {
	Upsert(ctx context.Context, record CRMRecord) error
	Delete(ctx context.Context, record CRMRecord, id string) error
}
