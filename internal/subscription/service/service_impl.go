package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	providerdomain "github.com/prepflow/billinghooks/internal/provider/domain"
	"github.com/prepflow/billinghooks/internal/subscription/cipher"
	"github.com/prepflow/billinghooks/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Optimistic updates retry a bounded number of times before surfacing the
// conflict to the caller.
const maxVersionRetries = 3

// sensitiveMetadataKeys are sealed with the metadata cipher before hitting
// the database.
var sensitiveMetadataKeys = map[string]struct{}{
	"document":          {},
	"customer_document": {},
	"tax_id":            {},
	"card_last4":        {},
	"card_holder":       {},
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	Audit     auditdomain.Service
	Providers providerdomain.Registry
	Cipher    *cipher.Cipher `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	audit     auditdomain.Service
	providers providerdomain.Registry
	box       *cipher.Cipher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("subscription.service"),
		genID:     p.GenID,
		repo:      p.Repo,
		audit:     p.Audit,
		providers: p.Providers,
		box:       p.Cipher,
	}
}

// Activate provisions a subscription for a first approved payment, or
// re-activates the user's existing one on later purchases and renewals.
func (s *Service) Activate(ctx context.Context, p domain.ActivateParams) (*domain.Subscription, error) {
	metadata, err := s.sealMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByUser(ctx, s.db, p.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		expiry := domain.ExpiryFrom(p.Now, p.Plan)
		sub := &domain.Subscription{
			ID:                     s.genID.Generate(),
			UserID:                 p.UserID,
			Plan:                   p.Plan,
			Status:                 domain.StatusActive,
			ExternalTransactionID:  p.ExternalTransactionID,
			Provider:               p.Provider,
			ExternalSubscriptionID: p.ExternalSubscriptionID,
			ExpiresAt:              &expiry,
			AmountCents:            p.AmountCents,
			Currency:               p.Currency,
			Version:                1,
			Metadata:               metadata,
			CreatedAt:              p.Now,
			UpdatedAt:              p.Now,
		}
		if err := s.repo.Insert(ctx, s.db, sub); err != nil {
			return nil, err
		}
		s.auditTransition(ctx, sub, "SUBSCRIPTION_CREATED", "", domain.StatusActive)
		return sub, nil
	}
	if err != nil {
		return nil, err
	}

	if !domain.CanTransition(existing.Status, domain.StatusActive) {
		return nil, domain.ErrIllegalTransition
	}

	from := existing.Status
	updated, err := s.updateWithRetry(ctx, existing.ID, func(sub *domain.Subscription) error {
		expiry := domain.ExpiryFrom(p.Now, p.Plan)
		sub.Plan = p.Plan
		sub.Status = domain.StatusActive
		sub.ExternalTransactionID = p.ExternalTransactionID
		sub.Provider = p.Provider
		if p.ExternalSubscriptionID != "" {
			sub.ExternalSubscriptionID = p.ExternalSubscriptionID
		}
		sub.ExpiresAt = &expiry
		sub.AmountCents = p.AmountCents
		sub.Currency = p.Currency
		if len(metadata) > 0 {
			sub.Metadata = metadata
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditTransition(ctx, updated, "SUBSCRIPTION_ACTIVATED", from, domain.StatusActive)
	return updated, nil
}

// Transition moves the user's subscription along the status graph. Writing
// the current status again is an idempotent no-op.
func (s *Service) Transition(ctx context.Context, userID snowflake.ID, to domain.Status, reason string) (*domain.Subscription, error) {
	existing, err := s.repo.FindByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if existing.Status == to {
		return existing, nil
	}
	if !domain.CanTransition(existing.Status, to) {
		return nil, domain.ErrIllegalTransition
	}

	from := existing.Status
	updated, err := s.updateWithRetry(ctx, existing.ID, func(sub *domain.Subscription) error {
		if !domain.CanTransition(sub.Status, to) {
			return domain.ErrIllegalTransition
		}
		sub.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditTransition(ctx, updated, "SUBSCRIPTION_"+strings.ToUpper(string(to)), from, to)
	if reason != "" {
		s.log.Info("subscription transitioned",
			zap.String("subscription_id", updated.ID.String()),
			zap.String("to", string(to)),
			zap.String("reason", reason),
		)
	}
	return updated, nil
}

// Renew re-activates and pushes the expiry one billing cycle past now.
func (s *Service) Renew(ctx context.Context, userID snowflake.ID, transactionID string, now time.Time) (*domain.Subscription, error) {
	existing, err := s.repo.FindByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransition(existing.Status, domain.StatusActive) {
		return nil, domain.ErrIllegalTransition
	}

	from := existing.Status
	updated, err := s.updateWithRetry(ctx, existing.ID, func(sub *domain.Subscription) error {
		expiry := domain.ExpiryFrom(now, sub.Plan)
		sub.Status = domain.StatusActive
		sub.ExpiresAt = &expiry
		if transactionID != "" {
			sub.ExternalTransactionID = transactionID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditTransition(ctx, updated, "SUBSCRIPTION_RENEWED", from, domain.StatusActive)
	return updated, nil
}

// ResolveDispute closes a chargeback: the merchant winning restores the
// subscription, anything else cancels it.
func (s *Service) ResolveDispute(ctx context.Context, userID snowflake.ID, merchantWins bool) (*domain.Subscription, error) {
	to := domain.StatusCancelled
	if merchantWins {
		to = domain.StatusActive
	}
	return s.Transition(ctx, userID, to, "chargeback resolved")
}

func (s *Service) FindByUser(ctx context.Context, userID snowflake.ID) (*domain.Subscription, error) {
	return s.repo.FindByUser(ctx, s.db, userID)
}

func (s *Service) FindByExternalTransaction(ctx context.Context, transactionID string) (*domain.Subscription, error) {
	return s.repo.FindByExternalTransaction(ctx, s.db, transactionID)
}

// SyncWithProvider cross-checks local state against the provider API and
// reconciles drift in the provider's favor.
func (s *Service) SyncWithProvider(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub.ExternalSubscriptionID == "" {
		return sub, nil
	}

	client, err := s.providers.For(sub.Provider)
	if err != nil {
		return nil, err
	}
	remote, err := client.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	target := statusFromProvider(remote.Status)
	if target == "" || target == sub.Status {
		return sub, nil
	}
	return s.Transition(ctx, sub.UserID, target, "provider sync")
}

func statusFromProvider(status string) domain.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "approved", "paid":
		return domain.StatusActive
	case "suspended", "past_due", "overdue":
		return domain.StatusSuspended
	case "canceled", "cancelled", "refunded":
		return domain.StatusCancelled
	case "expired":
		return domain.StatusExpired
	case "disputed", "chargeback":
		return domain.StatusDisputed
	default:
		return ""
	}
}

func (s *Service) updateWithRetry(ctx context.Context, id snowflake.ID, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	var lastErr error
	for attempt := 0; attempt < maxVersionRetries; attempt++ {
		sub, err := s.repo.FindByID(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(sub); err != nil {
			return nil, err
		}
		err = s.repo.UpdateVersioned(ctx, s.db, sub, sub.Version)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Service) sealMetadata(metadata map[string]any) (datatypes.JSONMap, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	out := make(datatypes.JSONMap, len(metadata))
	for key, value := range metadata {
		if _, sensitive := sensitiveMetadataKeys[strings.ToLower(key)]; sensitive {
			text, ok := value.(string)
			if ok {
				sealed, err := s.box.Seal(text)
				if err != nil {
					return nil, err
				}
				out[key] = sealed
				continue
			}
		}
		out[key] = value
	}
	return out, nil
}

func (s *Service) auditTransition(ctx context.Context, sub *domain.Subscription, action string, from, to domain.Status) {
	details := map[string]any{
		"plan":   string(sub.Plan),
		"status": string(to),
	}
	if from != "" {
		details["previous_status"] = string(from)
	}
	actor := sub.UserID.String()
	if _, err := s.audit.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntitySubscription,
		EntityID:   sub.ID.String(),
		Action:     action,
		ActorID:    &actor,
		Severity:   auditdomain.SeverityInfo,
		Details:    details,
	}); err != nil {
		s.log.Warn("failed to audit subscription transition", zap.Error(err))
	}
}
