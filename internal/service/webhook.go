package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ComUnity/edge-service/internal/background"
	"github.com/ComUnity/edge-service/internal/clock"
	"github.com/ComUnity/edge-service/internal/models"
	"github.com/ComUnity/edge-service/internal/repository"
	"github.com/ComUnity/edge-service/internal/util/logger"
)

// Entity families, matched as prefixes of the envelope type.
const (
	familyOpportunity = "Opportunity"
	familyContact     = "Contact"
	familyAppointment = "Appointment"
	familyUser        = "User"
)

var webhookTypePrefixes = []string{
	familyOpportunity, familyContact, familyAppointment, familyUser,
	"Task", "Invoice", "Note",
}

// WebhookEnvelope is a parsed CRM delivery. Fields holds the full object;
// Raw is the body exactly as received.
type WebhookEnvelope struct {
	Type       string
	LocationID string
	ID         string
	WebhookID  string
	Fields     map[string]any
	Raw        json.RawMessage
}

func ParseEnvelope(body []byte) (*WebhookEnvelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidPayload)
	}
	env := &WebhookEnvelope{
		Type:       stringField(fields, "type"),
		LocationID: stringField(fields, "location_id", "locationId"),
		ID:         stringField(fields, "id"),
		WebhookID:  stringField(fields, "webhookId"),
		Fields:     fields,
		Raw:        append(json.RawMessage(nil), body...),
	}
	return env, nil
}

// Validate checks the required fields and the type family.
func (e *WebhookEnvelope) Validate() error {
	var missing []string
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if e.LocationID == "" {
		missing = append(missing, "location_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	for _, p := range webhookTypePrefixes {
		if strings.HasPrefix(e.Type, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedType, e.Type)
}

// IdempotencyKey prefers the provider's delivery id. Without it the key is
// bucketed by receipt time, so retries inside one bucket collapse. An
// envelope without an entity id is told apart by a digest of its body.
func IdempotencyKey(e *WebhookEnvelope, received time.Time, bucket time.Duration) string {
	if e.WebhookID != "" {
		return e.Type + "_" + e.WebhookID
	}
	if bucket <= 0 {
		bucket = time.Minute
	}
	id := e.ID
	if id == "" {
		sum := sha256.Sum256(e.Raw)
		id = hex.EncodeToString(sum[:16])
	}
	b := received.Truncate(bucket).Unix()
	return e.Type + "_" + id + "_" + strconv.FormatInt(b, 10)
}

type WebhookConfig struct {
	IdempotencyBucket time.Duration
	StoreTimeout      time.Duration
	Clock             clock.Clock
}

// Receipt is returned to the provider. Duplicate deliveries carry no ID.
type Receipt struct {
	ID        string
	Duplicate bool
}

type WebhookService struct {
	logs    repository.WebhookLogRepository
	crm     repository.CRMRepository
	spawner background.Spawner
	cfg     WebhookConfig
}

func NewWebhookService(logs repository.WebhookLogRepository, crm repository.CRMRepository, spawner background.Spawner, cfg WebhookConfig) *WebhookService {
	if cfg.IdempotencyBucket <= 0 {
		cfg.IdempotencyBucket = time.Minute
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 3 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	return &WebhookService{logs: logs, crm: crm, spawner: spawner, cfg: cfg}
}

// Receive logs a verified delivery and schedules its processing. A key
// already in the log short-circuits without side effects.
func (s *WebhookService) Receive(ctx context.Context, env *WebhookEnvelope) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "webhook.receive")
	defer span.End()

	now := s.cfg.Clock.Now()
	key := IdempotencyKey(env, now, s.cfg.IdempotencyBucket)
	span.SetAttributes(attribute.String("webhook.type", env.Type), attribute.String("webhook.key", key))

	sctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	exists, err := s.logs.Exists(sctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return &Receipt{Duplicate: true}, nil
	}

	entry := &models.WebhookLog{
		ID:        uuid.NewString(),
		WebhookID: key,
		EventType: env.Type,
		Status:    models.WebhookStatusReceived,
		Payload:   env.Raw,
		CreatedAt: now,
	}
	if err := s.logs.Create(sctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return &Receipt{Duplicate: true}, nil
		}
		return nil, err
	}

	s.spawner.Go("webhook:"+env.Type, func(ctx context.Context) error {
		return s.Process(ctx, entry.ID, env)
	})
	return &Receipt{ID: entry.ID}, nil
}

// Process applies env and records the outcome on the log entry. Failures
// are not retried; the errored entry is the signal for reprocessing.
func (s *WebhookService) Process(ctx context.Context, logID string, env *WebhookEnvelope) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	perr := s.dispatch(dctx, env)
	cancel()

	mctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	now := s.cfg.Clock.Now()
	if perr != nil {
		logger.Errorw("webhook processing failed", "log_id", logID, "type", env.Type, "error", perr)
		if err := s.logs.MarkErrored(mctx, logID, perr.Error(), now); err != nil {
			return fmt.Errorf("mark webhook %s errored: %w", logID, err)
		}
		return nil
	}
	if err := s.logs.MarkProcessed(mctx, logID, now); err != nil {
		return fmt.Errorf("mark webhook %s processed: %w", logID, err)
	}
	return nil
}

func (s *WebhookService) dispatch(ctx context.Context, env *WebhookEnvelope) error {
	family := ""
	for _, f := range []string{familyOpportunity, familyContact, familyAppointment, familyUser} {
		if strings.HasPrefix(env.Type, f) {
			family = f
			break
		}
	}
	if family == "" {
		logger.Infof("webhook type %s acknowledged without a handler", env.Type)
		return nil
	}
	if env.ID == "" {
		return fmt.Errorf("%s webhook has no entity id", env.Type)
	}

	if strings.HasSuffix(env.Type, "Delete") {
		return s.crm.Delete(ctx, tableFor(family), env.ID)
	}

	now := s.cfg.Clock.Now()
	var record repository.CRMRecord
	switch family {
	case familyOpportunity:
		record = opportunityFrom(env, now)
	case familyContact:
		record = contactFrom(env, now)
	case familyAppointment:
		record = appointmentFrom(env, now)
	case familyUser:
		record = userFrom(env, now)
	}
	return s.crm.Upsert(ctx, record)
}

func tableFor(family string) repository.CRMRecord {
	switch family {
	case familyOpportunity:
		return &models.Opportunity{}
	case familyContact:
		return &models.Contact{}
	case familyAppointment:
		return &models.Appointment{}
	default:
		return &models.CRMUser{}
	}
}

func opportunityFrom(env *WebhookEnvelope, now time.Time) *models.Opportunity {
	f := env.Fields
	value, _ := models.TrackingEvent(f).Float("monetaryValue")
	return &models.Opportunity{
		ID:             env.ID,
		LocationID:     env.LocationID,
		PipelineID:     optionalField(f, "pipelineId"),
		StageID:        optionalField(f, "pipelineStageId"),
		ContactID:      optionalField(f, "contactId"),
		AssignedUserID: optionalField(f, "assignedTo"),
		Name:           stringField(f, "name"),
		Status:         stringField(f, "status"),
		MonetaryValue:  value,
		Source:         optionalField(f, "source"),
		GHLData:        env.Raw,
		UpdatedAt:      now,
	}
}

func contactFrom(env *WebhookEnvelope, now time.Time) *models.Contact {
	f := env.Fields
	var tags json.RawMessage
	if t, ok := f["tags"]; ok && t != nil {
		tags, _ = json.Marshal(t)
	}
	return &models.Contact{
		ID:         env.ID,
		LocationID: env.LocationID,
		Name:       stringField(f, "name", "fullName"),
		Email:      optionalField(f, "email"),
		Phone:      optionalField(f, "phone"),
		Tags:       tags,
		GHLData:    env.Raw,
		UpdatedAt:  now,
	}
}

func appointmentFrom(env *WebhookEnvelope, now time.Time) *models.Appointment {
	f := env.Fields
	status := stringField(f, "status", "appointmentStatus")
	if status == "" {
		status = "scheduled"
	}
	return &models.Appointment{
		ID:             env.ID,
		LocationID:     env.LocationID,
		ContactID:      optionalField(f, "contactId"),
		CalendarID:     optionalField(f, "calendarId"),
		AssignedUserID: optionalField(f, "assignedUserId"),
		Title:          stringField(f, "title"),
		StartTime:      timeField(f, "startTime"),
		EndTime:        timeField(f, "endTime"),
		Status:         status,
		GHLData:        env.Raw,
		UpdatedAt:      now,
	}
}

func userFrom(env *WebhookEnvelope, now time.Time) *models.CRMUser {
	f := env.Fields
	role := stringField(f, "role")
	if role == "" {
		role = "user"
	}
	return &models.CRMUser{
		ID:         env.ID,
		LocationID: env.LocationID,
		Name:       stringField(f, "name"),
		Email:      optionalField(f, "email"),
		Role:       role,
		GHLData:    env.Raw,
		UpdatedAt:  now,
	}
}

// stringField returns the first non-empty string among keys.
func stringField(f map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := f[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func optionalField(f map[string]any, key string) *string {
	if s := stringField(f, key); s != "" {
		return &s
	}
	return nil
}

func timeField(f map[string]any, key string) *time.Time {
	s := stringField(f, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
