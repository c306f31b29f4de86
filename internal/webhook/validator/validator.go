// Package validator authenticates inbound webhook deliveries.
package validator

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/observability/metrics"
	"github.com/prepflow/billinghooks/internal/webhook/adapters"
	"github.com/prepflow/billinghooks/internal/webhook/domain"
	"github.com/prepflow/billinghooks/internal/webhook/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Request is one inbound delivery before any trust is established.
type Request struct {
	Provider string
	SourceIP string
	Headers  http.Header
	RawBody  []byte
}

type Params struct {
	fx.In

	Config   config.Config
	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Adapters *adapters.Registry
	Repo     *repository.Repository
	Audit    auditdomain.Service
	Metrics  *metrics.Metrics
}

// Validator runs the short-circuit chain: source IP, timestamp freshness,
// signature, schema, idempotency. Every outcome is audited.
type Validator struct {
	cfg      config.Config
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clk      clock.Clock
	adapters *adapters.Registry
	repo     *repository.Repository
	audit    auditdomain.Service
	metrics  *metrics.Metrics
}

func New(p Params) *Validator {
	return &Validator{
		cfg:      p.Config,
		db:       p.DB,
		log:      p.Log.Named("webhook.validator"),
		genID:    p.GenID,
		clk:      p.Clock,
		adapters: p.Adapters,
		repo:     p.Repo,
		audit:    p.Audit,
		metrics:  p.Metrics,
	}
}

func (v *Validator) Validate(ctx context.Context, req Request) (*domain.ValidatedWebhook, error) {
	v.metrics.RecordReceived(ctx, req.Provider)

	adapter, ok := v.adapters.Get(req.Provider)
	if !ok {
		v.auditRejection(ctx, req, "", "unknown_provider", domain.ErrUnauthorizedSource)
		return nil, domain.ErrUnauthorizedSource
	}

	if err := v.checkSourceIP(req.SourceIP); err != nil {
		v.auditRejection(ctx, req, "", "source_ip", err)
		return nil, err
	}

	timestamp, err := adapter.Timestamp(req.Headers)
	if err != nil {
		v.auditRejection(ctx, req, "", "timestamp", err)
		return nil, err
	}
	if err := v.checkFreshness(timestamp); err != nil {
		v.auditRejection(ctx, req, "", "timestamp", err)
		return nil, err
	}

	if err := adapter.VerifySignature(req.Headers, req.RawBody); err != nil {
		v.auditRejection(ctx, req, "", "signature", err)
		return nil, err
	}

	parsed, err := adapter.Parse(req.RawBody)
	if err != nil {
		v.auditRejection(ctx, req, "", "schema", err)
		return nil, err
	}

	processingID := uuid.NewString()
	event := &domain.WebhookEvent{
		ID:              v.genID.Generate(),
		Provider:        parsed.Provider,
		ProviderEventID: parsed.ProviderEventID,
		EventType:       parsed.EventType,
		RawPayload:      datatypes.JSON(req.RawBody),
		ReceivedAt:      v.clk.Now().UTC(),
		Status:          domain.StatusValidated,
		ProcessingID:    processingID,
		Attempt:         0,
	}

	inserted, err := v.repo.InsertEventIdempotent(ctx, v.db, event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		v.auditRejection(ctx, req, parsed.ProviderEventID, "idempotency", domain.ErrDuplicateEvent)
		return nil, domain.ErrDuplicateEvent
	}

	v.metrics.RecordValidated(ctx, parsed.Provider, "accepted")
	actor := parsed.Data.Customer.Email
	entry := auditdomain.Entry{
		EntityType: auditdomain.EntityWebhookValidation,
		EntityID:   parsed.ProviderEventID,
		Action:     "WEBHOOK_VALIDATED",
		Severity:   auditdomain.SeverityInfo,
		IPAddress:  req.SourceIP,
		Details: map[string]any{
			"provider":      parsed.Provider,
			"event_type":    string(parsed.EventType),
			"processing_id": processingID,
		},
	}
	if actor != "" {
		entry.ActorID = &actor
	}
	if _, err := v.audit.Record(ctx, entry); err != nil {
		v.log.Warn("failed to audit validation", zap.Error(err))
	}

	return &domain.ValidatedWebhook{
		Event:        event,
		Parsed:       parsed,
		ProcessingID: processingID,
	}, nil
}

// checkSourceIP enforces the allow-list in production only; development
// traffic commonly arrives through tunnels with rewritten addresses.
func (v *Validator) checkSourceIP(sourceIP string) error {
	if !v.cfg.IsProduction() || len(v.cfg.Webhook.AllowedSourceIPs) == 0 {
		return nil
	}
	ip := net.ParseIP(strings.TrimSpace(sourceIP))
	if ip == nil {
		return domain.ErrUnauthorizedSource
	}
	for _, allowed := range v.cfg.Webhook.AllowedSourceIPs {
		allowed = strings.TrimSpace(allowed)
		if strings.Contains(allowed, "/") {
			if _, cidr, err := net.ParseCIDR(allowed); err == nil && cidr.Contains(ip) {
				return nil
			}
			continue
		}
		if parsed := net.ParseIP(allowed); parsed != nil && parsed.Equal(ip) {
			return nil
		}
	}
	return domain.ErrUnauthorizedSource
}

func (v *Validator) checkFreshness(timestamp int64) error {
	now := v.clk.Now()
	skew := now.Sub(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.cfg.Webhook.MaxTimestampSkew {
		return domain.ErrStaleTimestamp
	}
	return nil
}

func (v *Validator) auditRejection(ctx context.Context, req Request, eventID, stage string, cause error) {
	v.metrics.RecordValidated(ctx, req.Provider, "rejected")
	if _, err := v.audit.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntityWebhookValidation,
		EntityID:   eventID,
		Action:     "WEBHOOK_REJECTED",
		Severity:   auditdomain.SeverityError,
		IPAddress:  req.SourceIP,
		UserAgent:  req.Headers.Get("User-Agent"),
		Details: map[string]any{
			"provider": req.Provider,
			"stage":    stage,
			"cause":    cause.Error(),
			"headers":  maskedHeaders(req.Headers),
		},
	}); err != nil {
		v.log.Warn("failed to audit rejection", zap.Error(err))
	}
}

// maskedHeaders keeps routing context in the audit trail without leaking
// secrets or full signatures.
func maskedHeaders(headers http.Header) map[string]string {
	masked := make(map[string]string)
	for name := range headers {
		lower := strings.ToLower(name)
		value := headers.Get(name)
		switch {
		case strings.Contains(lower, "signature") || strings.Contains(lower, "authorization"):
			if len(value) > 12 {
				value = value[:12] + "..."
			}
			masked[lower] = value
		case strings.Contains(lower, "timestamp") || lower == "content-type" || lower == "user-agent":
			masked[lower] = value
		}
	}
	return masked
}

var Module = fx.Module("webhook.validator",
	fx.Provide(New),
)
