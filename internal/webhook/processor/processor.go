// Package processor applies validated webhook events to subscription state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/prepflow/billinghooks/internal/account/domain"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/observability/metrics"
	providerdomain "github.com/prepflow/billinghooks/internal/provider/domain"
	subscriptiondomain "github.com/prepflow/billinghooks/internal/subscription/domain"
	"github.com/prepflow/billinghooks/internal/webhook/adapters"
	"github.com/prepflow/billinghooks/internal/webhook/domain"
	"github.com/prepflow/billinghooks/internal/webhook/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type handlerFunc func(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent) error

type Params struct {
	fx.In

	Config        config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          *repository.Repository
	Adapters      *adapters.Registry
	Accounts      accountdomain.Repository
	Subscriptions subscriptiondomain.Service
	Cache         *cache.Store
	Audit         auditdomain.Service
	Metrics       *metrics.Metrics
}

// Processor owns the closed event-type dispatch table. Handlers are
// idempotent; the CAS claim on the event row keeps concurrent duplicate
// deliveries from running a handler twice.
type Processor struct {
	cfg      config.Config
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clk      clock.Clock
	repo     *repository.Repository
	adapters *adapters.Registry
	accounts accountdomain.Repository
	subs     subscriptiondomain.Service
	cache    *cache.Store
	audit    auditdomain.Service
	metrics  *metrics.Metrics

	handlers map[domain.EventType]handlerFunc
}

func New(p Params) *Processor {
	proc := &Processor{
		cfg:      p.Config,
		db:       p.DB,
		log:      p.Log.Named("webhook.processor"),
		genID:    p.GenID,
		clk:      p.Clock,
		repo:     p.Repo,
		adapters: p.Adapters,
		accounts: p.Accounts,
		subs:     p.Subscriptions,
		cache:    p.Cache,
		audit:    p.Audit,
		metrics:  p.Metrics,
	}
	proc.handlers = map[domain.EventType]handlerFunc{
		domain.PaymentApproved:       proc.handleActivation,
		domain.SubscriptionCreated:   proc.handleActivation,
		domain.SubscriptionActivated: proc.handleActivation,
		domain.PaymentRejected:       proc.transitionHandler(subscriptiondomain.StatusSuspended),
		domain.SubscriptionSuspended: proc.transitionHandler(subscriptiondomain.StatusSuspended),
		domain.PaymentCancelled:      proc.transitionHandler(subscriptiondomain.StatusCancelled),
		domain.SubscriptionCancelled: proc.transitionHandler(subscriptiondomain.StatusCancelled),
		domain.PaymentRefunded:       proc.transitionHandler(subscriptiondomain.StatusCancelled),
		domain.SubscriptionExpired:   proc.transitionHandler(subscriptiondomain.StatusExpired),
		domain.SubscriptionRenewed:   proc.handleRenewal,
		domain.ChargebackCreated:     proc.handleChargebackCreated,
		domain.ChargebackResolved:    proc.handleChargebackResolved,
	}
	return proc
}

// Process applies a freshly validated event.
func (p *Processor) Process(ctx context.Context, validated *domain.ValidatedWebhook) error {
	return p.run(ctx, validated.Event, validated.Parsed, 0)
}

// Replay re-runs a failed event from a due retry task. The raw payload is
// re-parsed through the provider adapter so the replay sees exactly what
// the original delivery carried.
func (p *Processor) Replay(ctx context.Context, task *domain.RetryTask) error {
	event, err := p.repo.FindEvent(ctx, p.db, task.WebhookEventID)
	if err != nil {
		return err
	}
	adapter, ok := p.adapters.Get(event.Provider)
	if !ok {
		return domain.ErrUnsupportedEvent
	}
	parsed, err := adapter.Parse([]byte(event.RawPayload))
	if err != nil {
		return err
	}
	return p.run(ctx, event, parsed, task.Attempt)
}

func (p *Processor) run(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent, attempt int) error {
	claimed, err := p.repo.ClaimEvent(ctx, p.db, event.ID, []domain.Status{domain.StatusValidated, domain.StatusFailed})
	if err != nil {
		return err
	}
	if !claimed {
		return domain.ErrAlreadyHandled
	}

	handler, ok := p.handlers[parsed.EventType]
	if !ok {
		return p.fail(ctx, event, parsed, attempt, domain.ErrUnsupportedEvent)
	}

	if err := handler(ctx, event, parsed); err != nil {
		return p.fail(ctx, event, parsed, attempt, err)
	}

	if err := p.repo.MarkEvent(ctx, p.db, event.ID, domain.StatusSucceeded, "", attempt); err != nil {
		return err
	}
	p.clearTask(ctx, event)
	p.invalidateCaches(ctx, parsed)
	p.metrics.RecordProcessed(ctx, string(parsed.EventType), "succeeded")
	p.auditProcessing(ctx, event, parsed, "WEBHOOK_PROCESSED", auditdomain.SeverityInfo, nil)
	return nil
}

// fail classifies the error: terminal failures stop here, retryable ones
// schedule the next attempt, exhausted ones move to the dead letter queue.
func (p *Processor) fail(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent, attempt int, cause error) error {
	if terminal(cause) {
		if err := p.repo.MarkEvent(ctx, p.db, event.ID, domain.StatusFailed, cause.Error(), attempt); err != nil {
			return err
		}
		p.clearTask(ctx, event)
		p.metrics.RecordProcessed(ctx, string(parsed.EventType), "terminal")
		p.auditProcessing(ctx, event, parsed, "WEBHOOK_PROCESSING_FAILED", auditdomain.SeverityError, cause)
		return cause
	}

	nextAttempt := attempt + 1
	if nextAttempt > p.cfg.Retry.MaxRetries {
		return p.deadletter(ctx, event, parsed, attempt, cause)
	}

	if err := p.repo.MarkEvent(ctx, p.db, event.ID, domain.StatusFailed, cause.Error(), attempt); err != nil {
		return err
	}
	task := &domain.RetryTask{
		ID:             p.genID.Generate(),
		WebhookEventID: event.ID,
		Attempt:        nextAttempt,
		ScheduledAt:    p.clk.Now().UTC().Add(p.backoff(nextAttempt)),
		LastError:      cause.Error(),
	}
	if err := p.repo.UpsertTask(ctx, p.db, task); err != nil {
		return err
	}
	p.metrics.RecordRetry(ctx, string(parsed.EventType), nextAttempt)
	p.auditProcessing(ctx, event, parsed, "WEBHOOK_RETRY_SCHEDULED", auditdomain.SeverityWarn, cause)
	return cause
}

func (p *Processor) deadletter(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent, attempt int, cause error) error {
	entry := &domain.DeadLetterEntry{
		ID:             p.genID.Generate(),
		WebhookEventID: event.ID,
		Provider:       event.Provider,
		EventType:      event.EventType,
		Payload:        event.RawPayload,
		Attempts:       attempt,
		LastError:      cause.Error(),
		FailedAt:       p.clk.Now().UTC(),
	}
	if err := p.repo.InsertDeadLetter(ctx, p.db, entry); err != nil {
		return err
	}
	if err := p.repo.MarkEvent(ctx, p.db, event.ID, domain.StatusDeadlettered, cause.Error(), attempt); err != nil {
		return err
	}
	p.clearTask(ctx, event)
	p.log.Error("webhook moved to dead letter queue",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.EventType)),
		zap.Int("attempts", attempt),
		zap.Error(cause),
	)
	p.metrics.RecordDeadLetter(ctx, string(parsed.EventType))
	p.auditProcessing(ctx, event, parsed, "WEBHOOK_DEADLETTERED", auditdomain.SeverityError, cause)
	return cause
}

// backoff is initial × factor^(attempt-1), capped at the configured max.
func (p *Processor) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.Retry.InitialDelay) * math.Pow(p.cfg.Retry.Factor, float64(attempt-1))
	if capped := float64(p.cfg.Retry.MaxDelay); delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

func (p *Processor) handleActivation(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent) error {
	plan, err := subscriptiondomain.PlanForProduct(parsed.Data.ProductID)
	if err != nil {
		return err
	}
	user, created, err := p.accounts.FindOrCreate(ctx, p.db, parsed.Data.Customer.Email, parsed.Data.Customer.Name, event.Provider)
	if err != nil {
		return err
	}
	if created {
		p.log.Info("provisioned user from payment",
			zap.String("user_id", user.ID.String()),
			zap.String("provider", event.Provider),
		)
	}

	_, err = p.subs.Activate(ctx, subscriptiondomain.ActivateParams{
		UserID:                 user.ID,
		Plan:                   plan,
		Provider:               event.Provider,
		ExternalTransactionID:  parsed.Data.TransactionID,
		ExternalSubscriptionID: parsed.Data.SubscriptionID,
		AmountCents:            parsed.Data.AmountCents,
		Currency:               parsed.Data.Currency,
		Metadata:               metadataFrom(parsed),
		Now:                    event.ReceivedAt,
	})
	return err
}

func (p *Processor) handleRenewal(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent) error {
	user, _, err := p.accounts.FindOrCreate(ctx, p.db, parsed.Data.Customer.Email, parsed.Data.Customer.Name, event.Provider)
	if err != nil {
		return err
	}
	_, err = p.subs.Renew(ctx, user.ID, parsed.Data.TransactionID, event.ReceivedAt)
	if errors.Is(err, subscriptiondomain.ErrNotFound) {
		// A renewal for a user we have never activated provisions fresh.
		return p.handleActivation(ctx, event, parsed)
	}
	return err
}

// transitionHandler builds a handler that moves the customer's subscription
// to a fixed status.
func (p *Processor) transitionHandler(to subscriptiondomain.Status) handlerFunc {
	return func(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent) error {
		user, err := p.accounts.FindByEmail(ctx, p.db, parsed.Data.Customer.Email)
		if err != nil {
			return err
		}
		_, err = p.subs.Transition(ctx, user.ID, to, string(parsed.EventType))
		return err
	}
}

func (p *Processor) handleChargebackCreated(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent) error {
	sub, err := p.subs.FindByExternalTransaction(ctx, parsed.Data.TransactionID)
	if err != nil {
		return err
	}
	_, err = p.subs.Transition(ctx, sub.UserID, subscriptiondomain.StatusDisputed, parsed.Data.Reason)
	return err
}

func (p *Processor) handleChargebackResolved(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent) error {
	sub, err := p.subs.FindByExternalTransaction(ctx, parsed.Data.TransactionID)
	if err != nil {
		return err
	}
	_, err = p.subs.ResolveDispute(ctx, sub.UserID, parsed.Data.Resolution == "merchant_wins")
	return err
}

func (p *Processor) clearTask(ctx context.Context, event *domain.WebhookEvent) {
	if err := p.repo.DeleteTaskForEvent(ctx, p.db, event.ID); err != nil {
		p.log.Warn("failed to clear retry task", zap.String("event_id", event.ID.String()), zap.Error(err))
	}
}

func (p *Processor) invalidateCaches(ctx context.Context, parsed *domain.ParsedEvent) {
	if email := parsed.Data.Customer.Email; email != "" {
		p.cache.DeletePattern(ctx, "user:"+email+":*")
	}
	p.cache.DeletePattern(ctx, "subscription:*")
	if parsed.Data.TransactionID != "" {
		p.cache.Delete(ctx, fmt.Sprintf("transaction:%s:%s", parsed.Provider, parsed.Data.TransactionID))
	}
}

func (p *Processor) auditProcessing(ctx context.Context, event *domain.WebhookEvent, parsed *domain.ParsedEvent, action string, severity auditdomain.Severity, cause error) {
	details := map[string]any{
		"provider":      event.Provider,
		"event_type":    string(event.EventType),
		"processing_id": event.ProcessingID,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	entry := auditdomain.Entry{
		EntityType: auditdomain.EntityWebhookProcessing,
		EntityID:   event.ProviderEventID,
		Action:     action,
		Severity:   severity,
		Details:    details,
	}
	if email := parsed.Data.Customer.Email; email != "" {
		entry.ActorID = &email
	}
	if _, err := p.audit.Record(ctx, entry); err != nil {
		p.log.Warn("failed to audit processing", zap.Error(err))
	}
}

func metadataFrom(parsed *domain.ParsedEvent) map[string]any {
	metadata := map[string]any{}
	if parsed.Data.Status != "" {
		metadata["provider_status"] = parsed.Data.Status
	}
	if parsed.Data.Customer.Document != "" {
		metadata["document"] = parsed.Data.Customer.Document
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// terminal reports failures that must never be retried: malformed or
// unmapped business data, illegal transitions, and 4xx provider responses.
func terminal(err error) bool {
	if domain.Terminal(err) {
		return true
	}
	switch {
	case errors.Is(err, subscriptiondomain.ErrUnknownPlan),
		errors.Is(err, subscriptiondomain.ErrIllegalTransition),
		errors.Is(err, subscriptiondomain.ErrNotFound),
		errors.Is(err, accountdomain.ErrInvalidEmail),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	}
	var apiErr *providerdomain.APIError
	if errors.As(err, &apiErr) {
		return !providerdomain.IsRetryable(apiErr)
	}
	return false
}

var Module = fx.Module("webhook.processor",
	fx.Provide(New),
)
