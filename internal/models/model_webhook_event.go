package models

import (
	"time"

	"gorm.io/datatypes"
)

type WebhookEventStatus string

const (
	WebhookEventStatusReceived   WebhookEventStatus = "RECEIVED"
	WebhookEventStatusProcessing WebhookEventStatus = "PROCESSING"
	WebhookEventStatusProcessed  WebhookEventStatus = "PROCESSED"
	WebhookEventStatusFailed     WebhookEventStatus = "FAILED"
	WebhookEventStatusIgnored    WebhookEventStatus = "IGNORED"
)

// WebhookEvent is the idempotency record for one externally delivered
// event id. It is audit state, never business truth: exactly one row per
// ExternalEventID, immutable once PROCESSED.
type WebhookEvent struct {
	ID              string             `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ExternalEventID string             `gorm:"column:external_event_id;type:varchar(128);not null;uniqueIndex" json:"external_event_id"`
	EventType       string             `gorm:"column:event_type;type:varchar(128);not null" json:"event_type"`
	Status          WebhookEventStatus `gorm:"column:status;type:varchar(32);not null;index" json:"status"`
	// Payload is the raw signed envelope body, kept for audit and for
	// sweeper re-drives of stuck events.
	Payload      datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	ErrorMessage *string        `gorm:"column:error_message;type:text" json:"error_message"`
	ProcessedAt  *time.Time     `gorm:"column:processed_at;default:null" json:"processed_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_event"
}
