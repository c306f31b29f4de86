// Package domain holds the subscription state machine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the subscription lifecycle state.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusDisputed  Status = "disputed"
)

// transitions is the closed status graph. A missing edge is an illegal
// transition; same-status writes are treated as idempotent no-ops by the
// service.
var transitions = map[Status][]Status{
	StatusTrialing:  {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:    {StatusSuspended, StatusCancelled, StatusExpired, StatusDisputed},
	StatusSuspended: {StatusActive, StatusCancelled, StatusExpired},
	StatusCancelled: {StatusActive},
	StatusExpired:   {StatusActive},
	StatusDisputed:  {StatusActive, StatusCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Plan is the internal plan code.
type Plan string

const (
	PlanMonthly    Plan = "monthly"
	PlanSemiannual Plan = "semiannual"
	PlanAnnual     Plan = "annual"
)

// planByProduct maps external product identifiers to internal plan codes.
var planByProduct = map[string]Plan{
	"editaliza-premium-mensal":    PlanMonthly,
	"editaliza-premium-semestral": PlanSemiannual,
	"editaliza-premium-anual":     PlanAnnual,
}

// PlanForProduct resolves an external product id. Unknown products are a
// terminal processing failure, never a retry.
func PlanForProduct(productID string) (Plan, error) {
	plan, ok := planByProduct[productID]
	if !ok {
		return "", ErrUnknownPlan
	}
	return plan, nil
}

// ExpiryFrom computes the calendar-aware end of the billing cycle.
func ExpiryFrom(now time.Time, plan Plan) time.Time {
	switch plan {
	case PlanSemiannual:
		return now.AddDate(0, 6, 0)
	case PlanAnnual:
		return now.AddDate(1, 0, 0)
	default:
		return now.AddDate(0, 1, 0)
	}
}

// Subscription is never hard-deleted; cancellation is a status transition.
type Subscription struct {
	ID                     snowflake.ID      `json:"id" gorm:"primaryKey"`
	UserID                 snowflake.ID      `json:"user_id" gorm:"not null;index"`
	Plan                   Plan              `json:"plan" gorm:"type:text;not null"`
	Status                 Status            `json:"status" gorm:"type:text;not null;index"`
	ExternalTransactionID  string            `json:"external_transaction_id" gorm:"type:text;index"`
	Provider               string            `json:"provider" gorm:"type:text;not null"`
	ExternalSubscriptionID string            `json:"external_subscription_id" gorm:"type:text;index"`
	ExpiresAt              *time.Time        `json:"expires_at"`
	AmountCents            int64             `json:"amount_cents"`
	Currency               string            `json:"currency" gorm:"type:text"`
	Version                int64             `json:"version" gorm:"not null;default:1"`
	Metadata               datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }
