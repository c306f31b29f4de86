package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidActor     = errors.New("invalid_actor")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)

// Service records and verifies hash-chained audit events.
type Service interface {
	Record(ctx context.Context, entry Entry) (snowflake.ID, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	VerifyChain(ctx context.Context) (VerifyResult, error)
	ExportActorData(ctx context.Context, actorID string) ([]AuditEvent, error)
	EraseActorData(ctx context.Context, actorID string) (int64, error)
}

// Cursor points past the last event of the previous page.
type Cursor struct {
	ID snowflake.ID
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *AuditEvent) error
	LastChainHash(ctx context.Context, db *gorm.DB) (string, error)
	WalkAll(ctx context.Context, db *gorm.DB, fn func(*AuditEvent) error) error
	List(ctx context.Context, db *gorm.DB, req ListRequest, cursor *Cursor, limit int) ([]*AuditEvent, error)
	FindByActor(ctx context.Context, db *gorm.DB, actorID string) ([]*AuditEvent, error)
	Anonymize(ctx context.Context, db *gorm.DB, event *AuditEvent) error
}
