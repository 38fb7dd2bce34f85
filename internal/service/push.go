package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/repository"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// ErrSubscriptionGone is returned by a PushSender when the push service
// reports the endpoint as unsubscribed.
var ErrSubscriptionGone = errors.New("push subscription gone")

// PushMessage is the JSON payload the dashboard service worker renders.
type PushMessage struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

type PushSender interface {
	Send(ctx context.Context, subscription json.RawMessage, payload []byte) error
}

// WebPushSender delivers VAPID-signed web push messages.
type WebPushSender struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             int
	HTTPClient      webpush.HTTPClient
}

func (s *WebPushSender) Send(ctx context.Context, subscription json.RawMessage, payload []byte) error {
	var sub webpush.Subscription
	if err := json.Unmarshal(subscription, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	if sub.Endpoint == "" {
		return errors.New("subscription has no endpoint")
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &sub, &webpush.Options{
		HTTPClient:      s.HTTPClient,
		Subscriber:      s.Subject,
		VAPIDPublicKey:  s.VAPIDPublicKey,
		VAPIDPrivateKey: s.VAPIDPrivateKey,
		TTL:             s.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrSubscriptionGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

type PushConfig struct {
	Title    string
	URL      string
	Locale   string
	Currency string
}

// PushNotifier sends a "new sale" message to every dashboard subscriber.
type PushNotifier struct {
	subs   repository.SubscriptionRepository
	sender PushSender
	cfg    PushConfig
}

func NewPushNotifier(subs repository.SubscriptionRepository, sender PushSender, cfg PushConfig) *PushNotifier {
	if cfg.Title == "" {
		cfg.Title = "Nova Venda"
	}
	if cfg.URL == "" {
		cfg.URL = "/dashboard"
	}
	if cfg.Locale == "" {
		cfg.Locale = "pt-BR"
	}
	if cfg.Currency == "" {
		cfg.Currency = "BRL"
	}
	return &PushNotifier{subs: subs, sender: sender, cfg: cfg}
}

// NotifyPurchase delivers to each subscriber independently. Gone
// subscriptions are deleted; other failures are collected and returned.
func (n *PushNotifier) NotifyPurchase(ctx context.Context, ev models.TrackingEvent) error {
	ctx, span := tracer.Start(ctx, "producer.notify_purchase")
	defer span.End()

	subs, err := n.subs.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(PurchaseMessage(ev, n.cfg))
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		err := n.sender.Send(ctx, sub.Subscription, payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrSubscriptionGone):
			logger.Infof("push subscription %s is gone, removing", sub.ID)
			if derr := n.subs.DeleteSubscription(ctx, sub.ID); derr != nil {
				logger.Warnf("failed to remove push subscription %s: %v", sub.ID, derr)
			}
		default:
			errs = append(errs, fmt.Errorf("subscription %s: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

// PurchaseMessage builds "Venda de {product} por {amount}" from the
// event_data object, or from the event itself when it has none.
func PurchaseMessage(ev models.TrackingEvent, cfg PushConfig) PushMessage {
	data := purchaseData(ev)
	return PushMessage{
		Title: cfg.Title,
		Body:  fmt.Sprintf("Venda de %s por %s", productName(data), FormatAmount(purchaseAmount(data), cfg.Locale, cfg.Currency)),
		URL:   cfg.URL,
	}
}

func purchaseData(ev models.TrackingEvent) models.TrackingEvent {
	if data, ok := ev.Object("event_data"); ok {
		return data
	}
	return ev
}

func productName(ev models.TrackingEvent) string {
	if item, ok := ev.FirstItem(); ok {
		for _, key := range []string{"item_name", "product_name"} {
			if s := item.String(key); s != "" {
				return s
			}
		}
	}
	for _, key := range []string{"item_name", "product_name"} {
		if s := ev.String(key); s != "" {
			return s
		}
	}
	return "Produto"
}

func purchaseAmount(ev models.TrackingEvent) float64 {
	for _, key := range []string{"value", "transaction_value"} {
		if f, ok := ev.Float(key); ok {
			return f
		}
	}
	return 0
}

// FormatAmount renders amount in the currency's symbol and the locale's
// number conventions.
func FormatAmount(amount float64, locale, code string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.BrazilianPortuguese
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		unit = currency.BRL
	}
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(amount)))
}
