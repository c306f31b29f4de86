package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prepflow/billinghooks/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindByUser returns the user's latest subscription. One row per user is
// the common case; re-purchases reuse and re-activate the same row.
func (r *repo) FindByUser(ctx context.Context, db *gorm.DB, userID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByExternalTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("external_transaction_id = ?", transactionID).
		Order("id DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateVersioned writes the row only when the version the caller read is
// still current. Zero rows affected means a concurrent writer won.
func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, sub *domain.Subscription, expectedVersion int64) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			plan = ?, status = ?, external_transaction_id = ?, provider = ?,
			external_subscription_id = ?, expires_at = ?, amount_cents = ?,
			currency = ?, metadata = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		sub.Plan,
		sub.Status,
		sub.ExternalTransactionID,
		sub.Provider,
		sub.ExternalSubscriptionID,
		sub.ExpiresAt,
		sub.AmountCents,
		sub.Currency,
		sub.Metadata,
		time.Now().UTC(),
		sub.ID,
		expectedVersion,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrVersionConflict
	}
	sub.Version = expectedVersion + 1
	return nil
}
