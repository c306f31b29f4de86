// Package domain defines the inbound webhook event model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType is the closed set of provider notifications the pipeline
// understands. Anything else is rejected at validation time.
type EventType string

const (
	PaymentApproved  EventType = "payment.approved"
	PaymentRejected  EventType = "payment.rejected"
	PaymentCancelled EventType = "payment.cancelled"
	PaymentRefunded  EventType = "payment.refunded"

	SubscriptionCreated   EventType = "subscription.created"
	SubscriptionActivated EventType = "subscription.activated"
	SubscriptionSuspended EventType = "subscription.suspended"
	SubscriptionCancelled EventType = "subscription.cancelled"
	SubscriptionRenewed   EventType = "subscription.renewed"
	SubscriptionExpired   EventType = "subscription.expired"

	ChargebackCreated  EventType = "chargeback.created"
	ChargebackResolved EventType = "chargeback.resolved"
)

var supportedEvents = map[EventType]struct{}{
	PaymentApproved: {}, PaymentRejected: {}, PaymentCancelled: {}, PaymentRefunded: {},
	SubscriptionCreated: {}, SubscriptionActivated: {}, SubscriptionSuspended: {},
	SubscriptionCancelled: {}, SubscriptionRenewed: {}, SubscriptionExpired: {},
	ChargebackCreated: {}, ChargebackResolved: {},
}

// Supported reports whether the event type is in the dispatch table.
func Supported(t EventType) bool {
	_, ok := supportedEvents[t]
	return ok
}

// Status is the webhook event lifecycle.
type Status string

const (
	StatusReceived     Status = "received"
	StatusValidated    Status = "validated"
	StatusProcessing   Status = "processing"
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusDeadlettered Status = "deadlettered"
)

// WebhookEvent is the durable record of one inbound delivery. The unique
// (provider, provider_event_id) index is the idempotency barrier: the
// losing concurrent writer of a duplicate sees zero rows inserted.
type WebhookEvent struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:idx_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:idx_provider_event"`
	EventType       EventType      `json:"event_type" gorm:"type:text;not null;index"`
	RawPayload      datatypes.JSON `json:"raw_payload" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	Status          Status         `json:"status" gorm:"type:text;not null;index"`
	ProcessingID    string         `json:"processing_id" gorm:"type:text;not null"`
	Attempt         int            `json:"attempt" gorm:"not null;default:0"`
	LastError       *string        `json:"last_error" gorm:"type:text"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// RetryTask schedules one replay of a failed event. Durable so restarts
// never drop scheduled work.
type RetryTask struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	WebhookEventID snowflake.ID `json:"webhook_event_id" gorm:"not null;uniqueIndex"`
	Attempt        int          `json:"attempt" gorm:"not null"`
	ScheduledAt    time.Time    `json:"scheduled_at" gorm:"not null;index"`
	LastError      string       `json:"last_error" gorm:"type:text"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (RetryTask) TableName() string { return "retry_tasks" }

// DeadLetterEntry quarantines an event that exhausted its retries. Requires
// human action; only explicit retention-based cleanup removes it.
type DeadLetterEntry struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	WebhookEventID snowflake.ID   `json:"webhook_event_id" gorm:"not null;index"`
	Provider       string         `json:"provider" gorm:"type:text;not null;index"`
	EventType      EventType      `json:"event_type" gorm:"type:text;not null;index"`
	Payload        datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Attempts       int            `json:"attempts" gorm:"not null"`
	LastError      string         `json:"last_error" gorm:"type:text"`
	FailedAt       time.Time      `json:"failed_at" gorm:"not null;index"`
}

func (DeadLetterEntry) TableName() string { return "webhook_dead_letter_queue" }

// Customer is the normalized buyer identity inside an event.
type Customer struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Document string `json:"document"`
}

// EventData is the provider-agnostic payload the handlers consume.
type EventData struct {
	TransactionID  string   `json:"transaction_id"`
	SubscriptionID string   `json:"subscription_id"`
	Status         string   `json:"status"`
	AmountCents    int64    `json:"amount_cents"`
	Currency       string   `json:"currency"`
	ProductID      string   `json:"product_id"`
	Customer       Customer `json:"customer"`
	Resolution     string   `json:"resolution"`
	Reason         string   `json:"reason"`
}

// ParsedEvent is an adapter's normalized view of a raw delivery.
type ParsedEvent struct {
	Provider        string
	ProviderEventID string
	EventType       EventType
	CreatedAt       time.Time
	Data            EventData
}

// ValidatedWebhook is the Validator's output handed to the Processor.
type ValidatedWebhook struct {
	Event        *WebhookEvent
	Parsed       *ParsedEvent
	ProcessingID string
}
