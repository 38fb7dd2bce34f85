// Package loader builds the router, producer and webhook HTTP apps from
// configuration: dependencies, middleware chain and routes.
package loader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/ComUnity/edge-service/internal/background"
	"github.com/ComUnity/edge-service/internal/cache"
	"github.com/ComUnity/edge-service/internal/client"
	"github.com/ComUnity/edge-service/internal/clock"
	cfgpkg "github.com/ComUnity/edge-service/internal/config"
	"github.com/ComUnity/edge-service/internal/handler"
	"github.com/ComUnity/edge-service/internal/middleware"
	"github.com/ComUnity/edge-service/internal/repository"
	"github.com/ComUnity/edge-service/internal/service"
	"github.com/ComUnity/edge-service/internal/telemetry"
	"github.com/ComUnity/edge-service/internal/util"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// App is one runnable HTTP component. Close releases its connections once
// the server has stopped and the pool has drained.
type App struct {
	Name    string
	Port    int
	Handler http.Handler
	Pool    *background.Pool

	closers []func() error
}

func (a *App) addCloser(fn func() error) {
	a.closers = append(a.closers, fn)
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build dispatches on the app name.
func Build(ctx context.Context, app string, cfg *cfgpkg.Config) (*App, error) {
	switch app {
	case cfgpkg.AppRouter:
		return BuildRouterApp(ctx, cfg)
	case cfgpkg.AppProducer:
		return BuildProducerApp(ctx, cfg)
	case cfgpkg.AppWebhook:
		return BuildWebhookApp(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown app %q", app)
}

// Deps are the connections an app's routes run on. Nil Redis disables the
// shared rate-limit counter; the router requires it.
type Deps struct {
	Redis   *client.RedisClient
	DB      *sql.DB
	Gorm    *gorm.DB
	Queue   service.EventQueue
	Push    service.PushSender
	Verify  util.SignatureVerifier
	Spawner background.Spawner
	Clock   clock.Clock
}

func BuildRouterApp(ctx context.Context, cfg *cfgpkg.Config) (*App, error) {
	app := &App{Name: cfgpkg.AppRouter, Port: cfg.Router.Port, Pool: background.NewPool()}

	rc, err := openRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	app.addCloser(rc.Close)

	db, err := repository.OpenSQL(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.addCloser(db.Close)

	app.Handler = NewRouterMux(cfg, Deps{Redis: rc, DB: db, Spawner: app.Pool})
	return app, nil
}

func NewRouterMux(cfg *cfgpkg.Config, deps Deps) http.Handler {
	clk := orClock(deps.Clock)
	store := cache.NewStore(deps.Redis, cfg.Timeouts.KV)
	svc := service.NewRedirectService(store, repository.NewPostgresTestRepository(deps.DB), deps.Spawner, service.RedirectConfig{
		CacheTTL:     cfg.Router.CacheTTL,
		StoreTimeout: cfg.Timeouts.StoreFetch,
		VisitTimeout: cfg.Timeouts.VisitIncrement,
		Clock:        clk,
	})
	admin := util.NewAdminTokenValidator(util.AdminTokenConfig{
		Secret:   cfg.Router.AdminAuth.JWTSecret,
		Issuer:   cfg.Router.AdminAuth.Issuer,
		Audience: cfg.Router.AdminAuth.Audience,
		CacheTTL: cfg.Router.AdminAuth.CacheTTL,
		Clock:    clk,
	})
	h := handler.NewRouterHandler(svc, admin)

	r := newBaseRouter(cfgpkg.AppRouter, cfg, middleware.CORSConfig{
		AllowOrigin:   "*",
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization"},
		ExposeHeaders: []string{"Server-Timing", "X-Worker-Time"},
	})
	r.Use(chimw.GetHead)

	r.Method(http.MethodGet, "/healthz", healthHandler(cfgpkg.AppRouter, cfg, deps))
	r.Route("/admin", func(ar chi.Router) {
		ar.Use(h.RequireAdmin)
		ar.Post("/purge", h.Purge)
		ar.Post("/pages", h.Publish)
		ar.Delete("/pages", h.Unpublish)
	})
	r.Get("/*", h.Resolve)
	return r
}

func BuildProducerApp(ctx context.Context, cfg *cfgpkg.Config) (*App, error) {
	app := &App{Name: cfgpkg.AppProducer, Port: cfg.Producer.Port, Pool: background.NewPool()}
	deps := Deps{Spawner: app.Pool}

	if cfg.RedisURL != "" {
		rc, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.addCloser(rc.Close)
		deps.Redis = rc
	} else {
		logger.Warnf("producer: no redis_url, rate limits are per instance")
	}

	q, err := telemetry.NewKafkaEventQueue(telemetry.QueueConfig{
		Brokers:      cfg.Producer.Kafka.Brokers,
		Topic:        cfg.Producer.Kafka.Topic,
		BatchTimeout: cfg.Producer.Kafka.BatchTimeout,
		WriteTimeout: cfg.Producer.Kafka.WriteTimeout,
		DialTimeout:  cfg.Producer.Kafka.DialTimeout,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.addCloser(q.Close)
	deps.Queue = q

	if cfg.Producer.Push.Enabled {
		db, err := repository.OpenSQL(ctx, cfg.DatabaseURL)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.addCloser(db.Close)
		deps.DB = db
		deps.Push = &service.WebPushSender{
			VAPIDPublicKey:  cfg.Producer.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Producer.Push.VAPIDPrivateKey,
			Subject:         cfg.Producer.Push.Subject,
			TTL:             cfg.Producer.Push.TTLSeconds,
		}
	}

	app.Handler = NewProducerMux(cfg, deps)
	return app, nil
}

func NewProducerMux(cfg *cfgpkg.Config, deps Deps) http.Handler {
	clk := orClock(deps.Clock)

	var notifier service.PurchaseNotifier
	if deps.Push != nil && deps.DB != nil {
		notifier = service.NewPushNotifier(repository.NewPostgresSubscriptionRepository(deps.DB), deps.Push, service.PushConfig{
			Title:    cfg.Producer.Push.Title,
			URL:      cfg.Producer.Push.URL,
			Locale:   cfg.Producer.Push.Locale,
			Currency: cfg.Producer.Push.Currency,
		})
	}
	svc := service.NewEventService(deps.Queue, notifier, deps.Spawner, service.EventConfig{
		AllowedOrigins: cfg.Producer.AllowedOrigins,
		Secret:         cfg.Producer.GTMSecret,
		PurchaseEvents: cfg.Producer.Push.PurchaseEvents,
		EnqueueTimeout: cfg.Timeouts.Enqueue,
		PushTimeout:    cfg.Timeouts.Push,
		Clock:          clk,
	})
	h := handler.NewProducerHandler(svc, cfg.Producer.MaxBodyBytes)
	limiter := newLimiter("producer", cfg.Producer.RateLimit, cfg, deps)

	r := newBaseRouter(cfgpkg.AppProducer, cfg, middleware.CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: []string{"POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "X-GTM-Secret"},
	})
	r.MethodNotAllowed(handler.MethodNotAllowed)
	r.Method(http.MethodGet, "/healthz", healthHandler(cfgpkg.AppProducer, cfg, deps))
	r.With(limiter.Handler).Post("/", h.Collect)
	return r
}

func BuildWebhookApp(ctx context.Context, cfg *cfgpkg.Config) (*App, error) {
	app := &App{Name: cfgpkg.AppWebhook, Port: cfg.Webhook.Port, Pool: background.NewPool()}
	deps := Deps{Spawner: app.Pool}

	if cfg.RedisURL != "" {
		rc, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.addCloser(rc.Close)
		deps.Redis = rc
	} else {
		logger.Warnf("webhook: no redis_url, rate limits are per instance")
	}

	if cfg.Webhook.InsecureSkipVerify {
		logger.Warnf("webhook: signature verification is DISABLED, never run this outside development")
		deps.Verify = util.InsecureVerifier{}
	} else {
		v, err := util.LoadRSASignatureVerifier(cfg.Webhook.PublicKeyPEM, cfg.Webhook.PublicKeyFile)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		deps.Verify = v
	}

	gdb, err := repository.OpenGorm(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.addCloser(sqlDB.Close)
	deps.Gorm = gdb
	deps.DB = sqlDB

	app.Handler = NewWebhookMux(cfg, deps)
	return app, nil
}

func NewWebhookMux(cfg *cfgpkg.Config, deps Deps) http.Handler {
	svc := service.NewWebhookService(
		repository.NewGormWebhookLogRepository(deps.Gorm),
		repository.NewGormCRMRepository(deps.Gorm),
		deps.Spawner,
		service.WebhookConfig{
			IdempotencyBucket: cfg.Webhook.IdempotencyBucket,
			StoreTimeout:      cfg.Timeouts.WebhookStore,
			Clock:             orClock(deps.Clock),
		},
	)
	h := handler.NewWebhookHandler(svc, deps.Verify, cfg.Webhook.MaxBodyBytes)
	limiter := newLimiter("webhook", cfg.Webhook.RateLimit, cfg, deps)

	r := newBaseRouter(cfgpkg.AppWebhook, cfg, middleware.CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: []string{"POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "x-wh-signature"},
	})
	r.MethodNotAllowed(handler.MethodNotAllowed)
	r.Method(http.MethodGet, "/healthz", healthHandler(cfgpkg.AppWebhook, cfg, deps))
	r.With(limiter.Handler).Post("/", h.Receive)
	return r
}

func newBaseRouter(app string, cfg *cfgpkg.Config, cors middleware.CORSConfig) chi.Router {
	ip := middleware.NewIPResolver(cfg.ClientIP.TrustedProxyIPHeaders, cfg.ClientIP.TrustedProxyCIDRs)

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)
	r.Use(ip.Handler)
	r.Use(middleware.AccessLog(app))
	r.Use(middleware.CORS(cors))
	return r
}

func newLimiter(scope string, rl cfgpkg.RateLimitConfig, cfg *cfgpkg.Config, deps Deps) *middleware.RateLimiter {
	lc := middleware.LimiterConfig{
		Scope:   scope,
		Max:     rl.Max,
		Window:  rl.Window,
		Block:   rl.Block,
		Timeout: cfg.Timeouts.KV,
		Clock:   orClock(deps.Clock),
	}
	if deps.Redis != nil {
		lc.Store = middleware.RedisCounterStore{Redis: deps.Redis}
	}
	return middleware.NewRateLimiter(lc)
}

func healthHandler(app string, cfg *cfgpkg.Config, deps Deps) *handler.HealthHandler {
	h := handler.NewHealthHandler(app, cfg.Timeouts.KV)
	if deps.Redis != nil {
		h.Add("redis", handler.PingFunc(deps.Redis.HealthCheck))
	}
	if deps.DB != nil {
		h.Add("database", deps.DB)
	}
	return h
}

func openRedis(ctx context.Context, url string) (*client.RedisClient, error) {
	if url == "" {
		return nil, errors.New("redis_url is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return client.NewRedisClient(ctx, client.RedisConfig{
		URL: url,
		CircuitBreaker: client.CircuitBreakerConfig{
			Enabled:      true,
			FailureRatio: 0.5,
			RecoveryTime: 30 * time.Second,
			MinRequests:  20,
		},
	})
}

func orClock(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.NewRealClock()
	}
	return c
}
