package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ComUnity/edge-service/internal/models"
)

type postgresTestRepository struct {
	db *sql.DB
}

func NewPostgresTestRepository(db *sql.DB) TestRepository {
	return &postgresTestRepository{db: db}
}

func (r *postgresTestRepository) FindActiveBySlug(ctx context.Context, slug string) (*models.Test, error) {
	const q = `
SELECT t.id, t.name, t.slug, t.status, v.id, v.name, v.url, v.weight
FROM ab_tests t
LEFT JOIN ab_test_variants v ON v.test_id = t.id
WHERE t.slug = $1 AND t.status = 'active'
ORDER BY v.id
`
	rows, err := r.db.QueryContext(ctx, q, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to query test %q: %w", slug, err)
	}
	defer rows.Close()

	var test *models.Test
	for rows.Next() {
		var (
			t                models.Test
			vID, vName, vURL sql.NullString
			vWeight          sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Slug, &t.Status, &vID, &vName, &vURL, &vWeight); err != nil {
			return nil, fmt.Errorf("failed to scan test %q: %w", slug, err)
		}
		if test == nil {
			t.Variants = []models.Variant{}
			test = &t
		}
		if !vID.Valid {
			continue
		}
		weight := int(vWeight.Int64)
		if weight < 0 {
			weight = 0
		}
		test.Variants = append(test.Variants, models.Variant{
			ID:     vID.String,
			Name:   vName.String,
			URL:    vURL.String,
			Weight: weight,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read test %q: %w", slug, err)
	}
	if test == nil {
		return nil, ErrNotFound
	}
	return test, nil
}

func (r *postgresTestRepository) IncrementVisits(ctx context.Context, variantID string) error {
	const q = `UPDATE ab_test_variants SET visits = visits + 1 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, variantID)
	if err != nil {
		return fmt.Errorf("failed to increment visits for %s: %w", variantID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
