package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var variantColumns = []string{"id", "name", "slug", "status", "id", "name", "url", "weight"}

func TestFindActiveBySlug(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM ab_tests t LEFT JOIN ab_test_variants v`).
		WithArgs("promo").
		WillReturnRows(sqlmock.NewRows(variantColumns).
			AddRow("t-1", "Promo", "promo", "active", "v-1", "A", "https://a.example.com", int64(70)).
			AddRow("t-1", "Promo", "promo", "active", "v-2", "B", "https://b.example.com?x=1", int64(30)))

	repo := NewPostgresTestRepository(db)
	test, err := repo.FindActiveBySlug(context.Background(), "promo")
	require.NoError(t, err)

	assert.Equal(t, "t-1", test.ID)
	assert.Equal(t, "promo", test.Slug)
	require.Len(t, test.Variants, 2)
	assert.Equal(t, 70, test.Variants[0].Weight)
	assert.Equal(t, "https://b.example.com?x=1", test.Variants[1].URL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActiveBySlugWithoutVariants(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM ab_tests t`).
		WithArgs("empty").
		WillReturnRows(sqlmock.NewRows(variantColumns).
			AddRow("t-2", "Empty", "empty", "active", nil, nil, nil, nil))

	test, err := NewPostgresTestRepository(db).FindActiveBySlug(context.Background(), "empty")
	require.NoError(t, err)
	assert.NotNil(t, test.Variants)
	assert.Empty(t, test.Variants)
}

func TestFindActiveBySlugNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM ab_tests t`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(variantColumns))

	_, err = NewPostgresTestRepository(db).FindActiveBySlug(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFindActiveBySlugQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM ab_tests t`).
		WithArgs("promo").
		WillReturnError(sql.ErrConnDone)

	_, err = NewPostgresTestRepository(db).FindActiveBySlug(context.Background(), "promo")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestIncrementVisits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`UPDATE ab_test_variants SET visits = visits \+ 1 WHERE id = \$1`).
		WithArgs("v-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE ab_test_variants`).
		WithArgs("v-gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewPostgresTestRepository(db)
	assert.NoError(t, repo.IncrementVisits(context.Background(), "v-1"))
	assert.ErrorIs(t, repo.IncrementVisits(context.Background(), "v-gone"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT id, subscription FROM push_subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subscription"}).
			AddRow("s-1", []byte(`{"endpoint":"https://push.example.com/1"}`)).
			AddRow("s-2", []byte(`{"endpoint":"https://push.example.com/2"}`)))
	mock.ExpectExec(`DELETE FROM push_subscriptions WHERE id = \$1`).
		WithArgs("s-2").
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewPostgresSubscriptionRepository(db)
	subs, err := repo.ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.JSONEq(t, `{"endpoint":"https://push.example.com/1"}`, string(subs[0].Subscription))

	require.NoError(t, repo.DeleteSubscription(context.Background(), "s-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
