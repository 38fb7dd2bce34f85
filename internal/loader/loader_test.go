package loader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ComUnity/edge-service/internal/background"
	"github.com/ComUnity/edge-service/internal/cache"
	"github.com/ComUnity/edge-service/internal/client"
	cfgpkg "github.com/ComUnity/edge-service/internal/config"
	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/util"
)

const adminSecret = "router-admin-secret"

func testConfig(t *testing.T) *cfgpkg.Config {
	t.Helper()
	cfg, err := cfgpkg.LoadConfig("")
	require.NoError(t, err)
	cfg.Router.AdminAuth.JWTSecret = adminSecret
	cfg.Router.AdminAuth.Issuer = "dashboard"
	cfg.Producer.AllowedOrigins = []string{"douravita.com.br"}
	cfg.Producer.GTMSecret = "gtm-secret"
	return cfg
}

func newRedis(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := client.NewRedisClient(context.Background(), client.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func adminToken(t *testing.T) string {
	t.Helper()
	claims := util.AdminClaims{
		Email: "ops@douravita.com.br",
		Role:  "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dashboard",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return s
}

func serve(h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterMux(t *testing.T) {
	rc, mr := newRedis(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	spawner := &background.Sync{}
	mux := NewRouterMux(testConfig(t), Deps{Redis: rc, DB: db, Spawner: spawner})

	t.Run("health", func(t *testing.T) {
		rec := serve(mux, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"redis"`)
	})

	t.Run("miss then cached redirect", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM ab_tests t LEFT JOIN ab_test_variants v`).
			WithArgs("promo").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "status", "id", "name", "url", "weight"}).
				AddRow("t-1", "Promo", "promo", "active", "v-1", "A", "https://a.example.com/lp?ref=ads", int64(100)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE ab_test_variants SET visits = visits + 1 WHERE id = $1`)).
			WithArgs("v-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec := serve(mux, http.MethodGet, "/promo?utm_source=ig", "", nil)
		require.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://a.example.com/lp?ref=ads&utm_source=ig", rec.Header().Get("Location"))
		assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.True(t, mr.Exists(cache.TestKey("promo")))

		mock.ExpectExec(`UPDATE ab_test_variants`).
			WithArgs("v-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		rec = serve(mux, http.MethodGet, "/promo", "", nil)
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://a.example.com/lp?ref=ads", rec.Header().Get("Location"))

		visits := len(spawner.Names())
		rec = serve(mux, http.MethodHead, "/promo", "", nil)
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://a.example.com/lp?ref=ads", rec.Header().Get("Location"))
		assert.Len(t, spawner.Names(), visits)

		assert.NoError(t, mock.ExpectationsWereMet())
		assert.Empty(t, spawner.Errors())
	})

	t.Run("unknown slug", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM ab_tests t`).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "slug", "status", "id", "name", "url", "weight"}))

		rec := serve(mux, http.MethodGet, "/nope", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Test not found", rec.Body.String())
	})

	t.Run("favicon", func(t *testing.T) {
		rec := serve(mux, http.MethodGet, "/favicon.ico", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("preflight", func(t *testing.T) {
		rec := serve(mux, http.MethodOptions, "/promo", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "DELETE")
		assert.Equal(t, "Server-Timing, X-Worker-Time", rec.Header().Get("Access-Control-Expose-Headers"))
	})

	t.Run("admin", func(t *testing.T) {
		rec := serve(mux, http.MethodPost, "/admin/purge?slug=promo", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.True(t, mr.Exists(cache.TestKey("promo")))

		auth := map[string]string{"Authorization": "Bearer " + adminToken(t)}

		rec = serve(mux, http.MethodPost, "/admin/pages", `{"slug":"landing","html":"<html><head></head><body>hi</body></html>"}`, auth)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = serve(mux, http.MethodGet, "/landing", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "body .esconder")
		assert.Contains(t, rec.Header().Get("Cache-Control"), "public")

		rec = serve(mux, http.MethodPost, "/admin/purge?slug=promo", "", auth)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "Purged cache for promo", rec.Body.String())
		assert.False(t, mr.Exists(cache.TestKey("promo")))

		rec = serve(mux, http.MethodDelete, "/admin/pages?slug=landing", "", auth)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, mr.Exists(cache.PageKey("landing")))
	})
}

type recordingQueue struct {
	events []models.TrackingEvent
	err    error
}

func (q *recordingQueue) Enqueue(_ context.Context, ev models.TrackingEvent) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func TestProducerMux(t *testing.T) {
	cfg := testConfig(t)
	cfg.Producer.RateLimit.Max = 2
	cfg.Producer.RateLimit.Window = time.Minute
	queue := &recordingQueue{}
	mux := NewProducerMux(cfg, Deps{Queue: queue, Spawner: &background.Sync{}})

	origin := map[string]string{
		"Origin":       "https://www.douravita.com.br",
		"Content-Type": "application/json",
		"X-GTM-Secret": "gtm-secret",
	}

	rec := serve(mux, http.MethodOptions, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-GTM-Secret")

	rec = serve(mux, http.MethodGet, "/", "", origin)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(mux, http.MethodPost, "/", `{"event_name":"page_view"}`, origin)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"queued":true}`, rec.Body.String())
	require.Len(t, queue.events, 1)
	assert.Equal(t, "page_view", queue.events[0].Name())

	rec = serve(mux, http.MethodPost, "/", `{"event_name":"page_view"}`, map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(mux, http.MethodPost, "/", `{"event_name":"page_view"}`, origin)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, queue.events, 1)
}

func TestProducerMuxQueueDown(t *testing.T) {
	mux := NewProducerMux(testConfig(t), Deps{Queue: &recordingQueue{err: errors.New("broker unreachable")}, Spawner: &background.Sync{}})
	rec := serve(mux, http.MethodPost, "/", `{"event_name":"purchase"}`, map[string]string{"Origin": "https://douravita.com.br", "X-GTM-Secret": "gtm-secret"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookMux(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	cfg := testConfig(t)
	spawner := &background.Sync{}
	mux := NewWebhookMux(cfg, Deps{Gorm: gdb, Verify: util.InsecureVerifier{}, Spawner: spawner})

	rec := serve(mux, http.MethodPost, "/", `{"type":"ContactCreate"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "ghl_webhook_logs"`)).
		WithArgs("ContactCreate_wh-9").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rec = serve(mux, http.MethodPost, "/", `{"type":"ContactCreate","location_id":"loc-1","id":"c-1","webhookId":"wh-9"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Webhook already processed"}`, rec.Body.String())
	assert.Empty(t, spawner.Names())
	assert.NoError(t, mock.ExpectationsWereMet())

	rec = serve(mux, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type rejectAll struct{}

func (rejectAll) Verify([]byte, string) error { return util.ErrInvalidSignature }

func TestWebhookMuxRejectsUnsigned(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	mux := NewWebhookMux(testConfig(t), Deps{Gorm: gdb, Verify: rejectAll{}, Spawner: &background.Sync{}})
	rec := serve(mux, http.MethodPost, "/", `{"type":"ContactCreate","location_id":"loc-1","id":"c-1"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
