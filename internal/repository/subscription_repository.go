package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ComUnity/edge-service/internal/models"
)

type postgresSubscriptionRepository struct {
	db *sql.DB
}

func NewPostgresSubscriptionRepository(db *sql.DB) SubscriptionRepository {
	return &postgresSubscriptionRepository{db: db}
}

func (r *postgresSubscriptionRepository) ListSubscriptions(ctx context.Context) ([]models.PushSubscription, error) {
	const q = `SELECT id, subscription FROM push_subscriptions`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan push subscription: %w", err)
		}
		subs = append(subs, models.PushSubscription{ID: id, Subscription: raw})
	}
	return subs, rows.Err()
}

func (r *postgresSubscriptionRepository) DeleteSubscription(ctx context.Context, id string) error {
	const q = `DELETE FROM push_subscriptions WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("failed to delete push subscription %s: %w", id, err)
	}
	return nil
}
