package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound          = errors.New("subscription_not_found")
	ErrUnknownPlan       = errors.New("unknown_plan")
	ErrIllegalTransition = errors.New("illegal_status_transition")
	ErrVersionConflict   = errors.New("subscription_version_conflict")
)

// ActivateParams carries everything a payment-approval needs to provision
// or re-activate a subscription.
type ActivateParams struct {
	UserID                 snowflake.ID
	Plan                   Plan
	Provider               string
	ExternalTransactionID  string
	ExternalSubscriptionID string
	AmountCents            int64
	Currency               string
	Metadata               map[string]any
	Now                    time.Time
}

// Service mutates subscription state under optimistic concurrency.
type Service interface {
	Activate(ctx context.Context, p ActivateParams) (*Subscription, error)
	Transition(ctx context.Context, userID snowflake.ID, to Status, reason string) (*Subscription, error)
	Renew(ctx context.Context, userID snowflake.ID, transactionID string, now time.Time) (*Subscription, error)
	ResolveDispute(ctx context.Context, userID snowflake.ID, merchantWins bool) (*Subscription, error)
	FindByUser(ctx context.Context, userID snowflake.ID) (*Subscription, error)
	FindByExternalTransaction(ctx context.Context, transactionID string) (*Subscription, error)
	SyncWithProvider(ctx context.Context, id snowflake.ID) (*Subscription, error)
}

// Repository is the persistence port. Updates are conditioned on the
// version the caller read; zero rows affected means a concurrent writer won.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*Subscription, error)
	FindByExternalTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*Subscription, error)
	UpdateVersioned(ctx context.Context, db *gorm.DB, sub *Subscription, expectedVersion int64) error
}
