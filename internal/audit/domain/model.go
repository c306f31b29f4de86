// Package domain defines the append-only, hash-chained audit ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prepflow/billinghooks/pkg/db/pagination"
	"gorm.io/datatypes"
)

// Severity classifies an audit event for compliance filtering.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Entity types recorded by the pipeline.
const (
	EntityWebhookValidation = "WEBHOOK_VALIDATION"
	EntityWebhookProcessing = "WEBHOOK_PROCESSING"
	EntityWebhookQueue      = "WEBHOOK_QUEUE"
	EntitySubscription      = "SUBSCRIPTION"
	EntityProviderAPI       = "PROVIDER_API"
	EntityCompliance        = "COMPLIANCE"
)

// GenesisHash anchors the first chain entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// AuditEvent is one immutable ledger entry. ContentHash covers the entry
// fields; ChainHash links the entry to its predecessor.
type AuditEvent struct {
	ID          snowflake.ID   `json:"id" gorm:"primaryKey"`
	EntityType  string         `json:"entity_type" gorm:"type:text;not null;index"`
	EntityID    string         `json:"entity_id" gorm:"type:text;not null;index"`
	Action      string         `json:"action" gorm:"type:text;not null;index"`
	ActorID     *string        `json:"actor_id" gorm:"type:text;index"`
	Details     datatypes.JSON `json:"details" gorm:"type:jsonb"`
	Severity    Severity       `json:"severity" gorm:"type:text;not null"`
	IPAddress   *string        `json:"ip_address" gorm:"type:text"`
	UserAgent   *string        `json:"user_agent" gorm:"type:text"`
	CreatedAt   time.Time      `json:"created_at" gorm:"not null;index"`
	ContentHash string         `json:"content_hash" gorm:"type:char(64);not null"`
	ChainHash   string         `json:"chain_hash" gorm:"type:char(64);not null"`
}

func (AuditEvent) TableName() string { return "audit_events" }

// Entry is the caller-facing shape of a new audit record.
type Entry struct {
	EntityType string
	EntityID   string
	Action     string
	ActorID    *string
	Severity   Severity
	IPAddress  string
	UserAgent  string
	Details    map[string]any
}

// ListRequest filters the ledger for compliance reporting.
type ListRequest struct {
	pagination.Pagination
	EntityType string
	EntityID   string
	Action     string
	ActorID    string
	Severity   string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListResponse struct {
	pagination.PageInfo
	Events []AuditEvent `json:"events"`
}

// VerifyResult reports the outcome of a full chain walk.
type VerifyResult struct {
	Valid     bool          `json:"valid"`
	Checked   int           `json:"checked"`
	BrokenAt  *snowflake.ID `json:"broken_at,omitempty"`
	BrokenFor string        `json:"broken_for,omitempty"`
}
