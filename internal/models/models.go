package models

import (
	"encoding/json"
	"time"
)

const TestStatusActive = "active"

// Test is an A/B test addressed by its slug.
type Test struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Slug     string    `json:"slug"`
	Status   string    `json:"status"`
	Variants []Variant `json:"variants"`
}

// Variant is one destination of a Test. Weight is never negative.
type Variant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Weight int    `json:"weight"`
}

// CacheEntry is the value stored under "ab:<slug>". WrittenAt is unix millis.
type CacheEntry struct {
	Data      *Test `json:"data"`
	WrittenAt int64 `json:"written_at"`
}

// Fresh reports whether the entry is still inside its TTL at now.
func (e CacheEntry) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.UnixMilli(e.WrittenAt)) <= ttl
}

// PushSubscription is a browser push endpoint stored by the dashboard.
type PushSubscription struct {
	ID           string
	Subscription json.RawMessage
}

// Webhook log statuses.
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusErrored   = "errored"
)

// WebhookLog is the durable idempotency record for an inbound CRM webhook.
type WebhookLog struct {
	ID          string          `gorm:"type:uuid;primaryKey"`
	WebhookID   string          `gorm:"size:255;uniqueIndex;not null"`
	EventType   string          `gorm:"size:100;index;not null"`
	Status      string          `gorm:"size:20;not null"`
	Payload     json.RawMessage `gorm:"type:jsonb"`
	ErrorLog    *string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

func (WebhookLog) TableName() string { return "ghl_webhook_logs" }

type Opportunity struct {
	ID             string  `gorm:"primaryKey"`
	LocationID     string  `gorm:"index"`
	PipelineID     *string
	StageID        *string
	ContactID      *string `gorm:"index"`
	AssignedUserID *string `gorm:"index"`
	Name           string
	Status         string
	MonetaryValue  float64
	Source         *string
	GHLData        json.RawMessage `gorm:"column:ghl_data;type:jsonb"`
	UpdatedAt      time.Time
}

func (Opportunity) TableName() string { return "ghl_opportunities" }

type Contact struct {
	ID         string `gorm:"primaryKey"`
	LocationID string `gorm:"index"`
	Name       string
	Email      *string
	Phone      *string
	Tags       json.RawMessage `gorm:"type:jsonb"`
	GHLData    json.RawMessage `gorm:"column:ghl_data;type:jsonb"`
	UpdatedAt  time.Time
}

func (Contact) TableName() string { return "ghl_contacts" }

type Appointment struct {
	ID             string `gorm:"primaryKey"`
	LocationID     string `gorm:"index"`
	ContactID      *string
	CalendarID     *string
	AssignedUserID *string `gorm:"index"`
	Title          string
	StartTime      *time.Time
	EndTime        *time.Time
	Status         string
	GHLData        json.RawMessage `gorm:"column:ghl_data;type:jsonb"`
	UpdatedAt      time.Time
}

func (Appointment) TableName() string { return "ghl_appointments" }

type CRMUser struct {
	ID         string `gorm:"primaryKey"`
	LocationID string `gorm:"index"`
	Name       string
	Email      *string
	Role       string
	GHLData    json.RawMessage `gorm:"column:ghl_data;type:jsonb"`
	UpdatedAt  time.Time
}

func (CRMUser) TableName() string { return "ghl_users" }
