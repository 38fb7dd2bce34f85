package service

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"

	"github.com/ComUnity/edge-service/internal/models"
)

var (
	ErrTestNotFound     = errors.New("test not found")
	ErrNoVariants       = errors.New("no variants configured")
	ErrForbiddenOrigin  = errors.New("origin not allowed")
	ErrBadSecret        = errors.New("invalid secret")
	ErrMissingEventName = errors.New("missing event_name")
	ErrEnqueue          = errors.New("failed to enqueue event")
	ErrInvalidPayload   = errors.New("invalid payload")
	ErrUnsupportedType  = errors.New("unsupported webhook type")
)

var tracer = otel.Tracer("github.com/ComUnity/edge-service/internal/service")

// RouterCache is the key-value view the traffic router needs. Implemented
// by *cache.Store.
type RouterCache interface {
	GetTestEntry(ctx context.Context, slug string) (*models.CacheEntry, error)
	PutTestEntry(ctx context.Context, slug string, entry models.CacheEntry) error
	GetPage(ctx context.Context, slug string) (string, bool, error)
	PutPage(ctx context.Context, slug, html string) error
	DeletePage(ctx context.Context, slug string) error
	Purge(ctx context.Context, slug string) error
}

// EventQueue is the asynchronous work queue. Enqueue returns once the event
// is durably queued.
type EventQueue interface {
	Enqueue(ctx context.Context, ev models.TrackingEvent) error
}

// PurchaseNotifier fans a purchase event out to dashboard subscribers.
type PurchaseNotifier interface {
	NotifyPurchase(ctx context.Context, ev models.TrackingEvent) error
}
