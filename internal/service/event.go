package service

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ComUnity/edge-service/internal/background"
	"github.com/ComUnity/edge-service/internal/clock"
	"github.com/ComUnity/edge-service/internal/models"
)

var utmKeys = []string{"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term"}

var funnelPattern = regexp.MustCompile(`(?:^|/)fid=([^/&?]+)`)

const timestampLayout = "2006-01-02T15:04:05.000Z"

type EventConfig struct {
	AllowedOrigins []string
	Secret         string
	PurchaseEvents []string
	EnqueueTimeout time.Duration
	PushTimeout    time.Duration
	Clock          clock.Clock
}

// RequestMeta is the part of the HTTP request the producer validates and
// stamps onto events.
type RequestMeta struct {
	Origin    string
	Referer   string
	Secret    string
	IP        string
	UserAgent string
}

type EventService struct {
	queue    EventQueue
	notifier PurchaseNotifier
	spawner  background.Spawner
	cfg      EventConfig
}

// NewEventService wires the producer. notifier may be nil when push is
// disabled.
func NewEventService(queue EventQueue, notifier PurchaseNotifier, spawner background.Spawner, cfg EventConfig) *EventService {
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 5 * time.Second
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 10 * time.Second
	}
	if len(cfg.PurchaseEvents) == 0 {
		cfg.PurchaseEvents = []string{"purchase"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	return &EventService{queue: queue, notifier: notifier, spawner: spawner, cfg: cfg}
}

// Authorize runs the origin and secret gates, in that order.
func (s *EventService) Authorize(meta RequestMeta) error {
	if !OriginAllowed(meta.Origin, meta.Referer, s.cfg.AllowedOrigins) {
		return ErrForbiddenOrigin
	}
	if s.cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(meta.Secret), []byte(s.cfg.Secret)) != 1 {
		return ErrBadSecret
	}
	return nil
}

// Ingest enriches ev and queues it. A purchase additionally schedules a
// push notification that never affects the result.
func (s *EventService) Ingest(ctx context.Context, ev models.TrackingEvent, meta RequestMeta) (models.TrackingEvent, error) {
	ctx, span := tracer.Start(ctx, "producer.ingest")
	defer span.End()

	name := ev.Name()
	if name == "" {
		return nil, ErrMissingEventName
	}
	span.SetAttributes(attribute.String("event.name", name))

	enriched := Enrich(ev, meta, s.cfg.Clock.Now())

	qctx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(qctx, enriched); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	if s.notifier != nil && s.IsPurchase(name) {
		s.spawner.Go("push:"+name, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
			defer cancel()
			return s.notifier.NotifyPurchase(ctx, enriched)
		})
	}
	return enriched, nil
}

func (s *EventService) IsPurchase(name string) bool {
	return slices.Contains(s.cfg.PurchaseEvents, name)
}

// Enrich returns a copy of ev with attribution filled from page_url where
// the event lacks it, and the caller's ip, user agent and receipt time.
func Enrich(ev models.TrackingEvent, meta RequestMeta, now time.Time) models.TrackingEvent {
	out := make(models.TrackingEvent, len(ev)+len(utmKeys)+4)
	for k, v := range ev {
		out[k] = v
	}

	if pageURL := out.String("page_url"); pageURL != "" {
		if u, err := url.Parse(pageURL); err == nil {
			q := u.Query()
			for _, key := range utmKeys {
				out.SetIfAbsent(key, q.Get(key))
			}
		}
		out.SetIfAbsent("funnel_id", ExtractFunnelID(pageURL))
	}

	out["ip_address"] = meta.IP
	out["user_agent"] = meta.UserAgent
	out["timestamp"] = now.UTC().Format(timestampLayout)
	return out
}

// ExtractFunnelID reads the path convention ("/lp/fid=abc") first and
// falls back to the fid query parameter.
func ExtractFunnelID(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	if m := funnelPattern.FindStringSubmatch(u.EscapedPath()); m != nil {
		if v, err := url.PathUnescape(m[1]); err == nil {
			return v
		}
		return m[1]
	}
	return u.Query().Get("fid")
}

// OriginAllowed matches the Origin host, or the Referer host when Origin is
// empty, against allowed exactly or as a subdomain.
func OriginAllowed(origin, referer string, allowed []string) bool {
	source := origin
	if source == "" || source == "null" {
		source = referer
	}
	host := hostOf(source)
	if host == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a), "."))
		if a == "" {
			continue
		}
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
