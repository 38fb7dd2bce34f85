package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ComUnity/edge-service/internal/background"
	"github.com/ComUnity/edge-service/internal/clock"
	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/repository"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// hideStyle keeps elements marked .esconder hidden before the page's own
// CSS arrives.
const hideStyle = "<style>body .esconder { display: none; }</style>"

type RedirectConfig struct {
	CacheTTL     time.Duration
	StoreTimeout time.Duration
	VisitTimeout time.Duration
	Clock        clock.Clock
	// Rand returns a uniform draw in [0, 1).
	Rand func() float64
}

// Resolution is what the router sends back for a slug: either a published
// page or a redirect to the chosen variant.
type Resolution struct {
	Page     string
	IsPage   bool
	Location string
	TestID   string
	Variant  models.Variant
	// Stale is set when the test came from an entry past its TTL.
	Stale bool
}

type RedirectService struct {
	cache   RouterCache
	tests   repository.TestRepository
	spawner background.Spawner
	cfg     RedirectConfig
}

func NewRedirectService(cache RouterCache, tests repository.TestRepository, spawner background.Spawner, cfg RedirectConfig) *RedirectService {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.VisitTimeout <= 0 {
		cfg.VisitTimeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &RedirectService{cache: cache, tests: tests, spawner: spawner, cfg: cfg}
}

// Resolve maps slug to a published page or a variant redirect and counts
// the visit. query holds the parameters of the incoming request, merged
// into the destination.
func (s *RedirectService) Resolve(ctx context.Context, slug string, query url.Values) (*Resolution, error) {
	res, err := s.Preview(ctx, slug, query)
	if err != nil {
		return nil, err
	}
	if !res.IsPage {
		s.countVisit(res.Variant.ID)
	}
	return res, nil
}

// Preview resolves like Resolve without counting a visit. HEAD requests
// from link unfurlers and uptime checks go through here.
func (s *RedirectService) Preview(ctx context.Context, slug string, query url.Values) (*Resolution, error) {
	ctx, span := tracer.Start(ctx, "redirect.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("router.slug", slug))

	html, ok, err := s.cache.GetPage(ctx, slug)
	if err != nil {
		logger.Warnf("page lookup for %s failed, treating as miss: %v", slug, err)
	}
	if ok {
		span.SetAttributes(attribute.Bool("router.static_page", true))
		return &Resolution{Page: InjectHideStyle(html), IsPage: true}, nil
	}

	test, stale, err := s.lookupTest(ctx, slug)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(test.Variants) == 0 {
		span.SetStatus(codes.Error, ErrNoVariants.Error())
		return nil, fmt.Errorf("%w: %s", ErrNoVariants, slug)
	}

	variant := SelectVariant(test.Variants, s.cfg.Rand())
	location, err := MergeParams(variant.URL, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("variant %s has an invalid url: %w", variant.ID, err)
	}
	span.SetAttributes(
		attribute.String("router.test_id", test.ID),
		attribute.String("router.variant_id", variant.ID),
		attribute.Bool("router.stale", stale),
	)

	return &Resolution{Location: location, TestID: test.ID, Variant: variant, Stale: stale}, nil
}

// lookupTest serves from cache when possible. A miss blocks on the store; a
// stale hit is returned as is and refreshed in the background.
func (s *RedirectService) lookupTest(ctx context.Context, slug string) (*models.Test, bool, error) {
	entry, err := s.cache.GetTestEntry(ctx, slug)
	if err != nil {
		logger.Warnf("cache read for %s failed, treating as miss: %v", slug, err)
		entry = nil
	}

	if entry != nil {
		if entry.Fresh(s.cfg.Clock.Now(), s.cfg.CacheTTL) {
			return entry.Data, false, nil
		}
		s.spawner.Go("revalidate:"+slug, func(ctx context.Context) error {
			_, err := s.refresh(ctx, slug)
			if errors.Is(err, ErrTestNotFound) {
				logger.Warnf("revalidation of %s found no active test, keeping stale entry", slug)
				return nil
			}
			return err
		})
		return entry.Data, true, nil
	}

	test, err := s.refresh(ctx, slug)
	return test, false, err
}

// refresh reads the test from the store and overwrites the cache entry.
func (s *RedirectService) refresh(ctx context.Context, slug string) (*models.Test, error) {
	fctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	test, err := s.tests.FindActiveBySlug(fctx, slug)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTestNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch test %s: %w", slug, err)
	}

	entry := models.CacheEntry{Data: test, WrittenAt: s.cfg.Clock.Now().UnixMilli()}
	if err := s.cache.PutTestEntry(ctx, slug, entry); err != nil {
		logger.Warnf("cache write for %s failed: %v", slug, err)
	}
	return test, nil
}

func (s *RedirectService) countVisit(variantID string) {
	s.spawner.Go("visit:"+variantID, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.VisitTimeout)
		defer cancel()
		return s.tests.IncrementVisits(ctx, variantID)
	})
}

// PublishPage stores html as the static page for slug. It stays until
// unpublished or purged.
func (s *RedirectService) PublishPage(ctx context.Context, slug, html string) error {
	return s.cache.PutPage(ctx, slug, html)
}

func (s *RedirectService) UnpublishPage(ctx context.Context, slug string) error {
	return s.cache.DeletePage(ctx, slug)
}

// Purge drops the page and the cached test for slug.
func (s *RedirectService) Purge(ctx context.Context, slug string) error {
	return s.cache.Purge(ctx, slug)
}

// SelectVariant picks a variant with probability weight/W using draw, a
// uniform value in [0, 1). When every weight is zero the pick is uniform.
// variants must be non-empty.
func SelectVariant(variants []models.Variant, draw float64) models.Variant {
	if draw < 0 {
		draw = 0
	}
	total := 0
	for _, v := range variants {
		if v.Weight > 0 {
			total += v.Weight
		}
	}

	if total == 0 {
		i := int(draw * float64(len(variants)))
		if i >= len(variants) {
			i = len(variants) - 1
		}
		return variants[i]
	}

	remaining := draw * float64(total)
	for _, v := range variants {
		if v.Weight <= 0 {
			continue
		}
		if remaining < float64(v.Weight) {
			return v
		}
		remaining -= float64(v.Weight)
	}
	// draw rounded up to 1
	for i := len(variants) - 1; i >= 0; i-- {
		if variants[i].Weight > 0 {
			return variants[i]
		}
	}
	return variants[len(variants)-1]
}

// MergeParams appends every parameter of original that destination does
// not already define. The legacy "test" parameter is never copied.
func MergeParams(destination string, original url.Values) (string, error) {
	u, err := url.Parse(destination)
	if err != nil {
		return "", err
	}
	existing := u.Query()

	extra := url.Values{}
	for k, vs := range original {
		if k == "test" {
			continue
		}
		if _, ok := existing[k]; ok {
			continue
		}
		extra[k] = vs
	}
	if len(extra) == 0 {
		return u.String(), nil
	}

	if u.RawQuery == "" {
		u.RawQuery = extra.Encode()
	} else {
		u.RawQuery += "&" + extra.Encode()
	}
	return u.String(), nil
}

// InjectHideStyle inserts the hide-class style right before the first
// </head>. Pages without a head are returned unchanged.
func InjectHideStyle(html string) string {
	i := strings.Index(html, "</head>")
	if i < 0 {
		return html
	}
	return html[:i] + hideStyle + html[i:]
}
