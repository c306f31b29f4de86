package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/audit/masking"
	"github.com/prepflow/billinghooks/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  auditdomain.Repository
}

// Service appends hash-chained audit events. A single writer lock keeps the
// chain linear: two concurrent appends must never share a predecessor.
type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  auditdomain.Repository

	mu sync.Mutex
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) Record(ctx context.Context, entry auditdomain.Entry) (snowflake.ID, error) {
	action := strings.TrimSpace(entry.Action)
	if action == "" {
		return 0, auditdomain.ErrInvalidAction
	}
	entityType := strings.TrimSpace(entry.EntityType)
	if entityType == "" {
		entityType = "unknown"
	}
	severity := entry.Severity
	if severity == "" {
		severity = auditdomain.SeverityInfo
	}

	details := map[string]any{}
	for key, value := range entry.Details {
		if key == "" {
			continue
		}
		details[key] = value
	}
	detailBytes, err := json.Marshal(details)
	if err != nil {
		return 0, err
	}

	event := auditdomain.AuditEvent{
		ID:         s.genID.Generate(),
		EntityType: entityType,
		EntityID:   strings.TrimSpace(entry.EntityID),
		Action:     action,
		ActorID:    normalizePointer(entry.ActorID),
		Details:    datatypes.JSON(detailBytes),
		Severity:   severity,
		CreatedAt:  time.Now().UTC(),
	}
	if ip := strings.TrimSpace(entry.IPAddress); ip != "" {
		event.IPAddress = &ip
	}
	if ua := strings.TrimSpace(entry.UserAgent); ua != "" {
		event.UserAgent = &ua
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.repo.LastChainHash(ctx, s.db)
	if err != nil {
		return 0, err
	}

	event.ContentHash = contentHash(&event)
	event.ChainHash = chainHash(previous, event.ID, event.CreatedAt)

	if err := s.repo.Insert(ctx, s.db, &event); err != nil {
		s.log.Warn("failed to write audit event", zap.String("action", action), zap.Error(err))
		return 0, err
	}
	return event.ID, nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.Cursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.Cursor{ID: id}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 250 {
		pageSize = 250
	}

	items, err := s.repo.List(ctx, s.db, req, cursor, pageSize)
	if err != nil {
		return auditdomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *auditdomain.AuditEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > pageSize {
		items = items[:pageSize]
	}

	events := make([]auditdomain.AuditEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := auditdomain.ListResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// VerifyChain recomputes every content hash and chain link from genesis.
func (s *Service) VerifyChain(ctx context.Context) (auditdomain.VerifyResult, error) {
	result := auditdomain.VerifyResult{Valid: true}
	previous := auditdomain.GenesisHash

	err := s.repo.WalkAll(ctx, s.db, func(event *auditdomain.AuditEvent) error {
		result.Checked++

		if contentHash(event) != event.ContentHash {
			id := event.ID
			result.Valid = false
			result.BrokenAt = &id
			result.BrokenFor = "content_hash"
			return errChainBroken
		}
		if chainHash(previous, event.ID, event.CreatedAt) != event.ChainHash {
			id := event.ID
			result.Valid = false
			result.BrokenAt = &id
			result.BrokenFor = "chain_hash"
			return errChainBroken
		}
		previous = event.ChainHash
		return nil
	})
	if err != nil && err != errChainBroken {
		return auditdomain.VerifyResult{}, err
	}
	return result, nil
}

func (s *Service) ExportActorData(ctx context.Context, actorID string) ([]auditdomain.AuditEvent, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return nil, auditdomain.ErrInvalidActor
	}

	items, err := s.repo.FindByActor(ctx, s.db, actorID)
	if err != nil {
		return nil, err
	}

	events := make([]auditdomain.AuditEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	if _, err := s.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntityCompliance,
		EntityID:   actorID,
		Action:     "DATA_EXPORTED",
		ActorID:    &actorID,
		Severity:   auditdomain.SeverityInfo,
		Details:    map[string]any{"events": len(events)},
	}); err != nil {
		return nil, err
	}
	return events, nil
}

// EraseActorData anonymizes the actor's entries while leaving ids, timestamps
// and the chain links untouched. The actor id becomes a deterministic
// pseudonym, source address and user agent are redacted, and PII inside the
// details is masked. Content hashes are recomputed over the anonymized rows
// so the ledger still verifies end to end.
func (s *Service) EraseActorData(ctx context.Context, actorID string) (int64, error) {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return 0, auditdomain.ErrInvalidActor
	}

	items, err := s.repo.FindByActor(ctx, s.db, actorID)
	if err != nil {
		return 0, err
	}

	pseudonym := actorPseudonym(actorID)
	var erased int64
	for _, item := range items {
		if item == nil {
			continue
		}

		var details map[string]any
		if len(item.Details) > 0 {
			if err := json.Unmarshal(item.Details, &details); err != nil {
				details = map[string]any{}
			}
		}
		anonymized := masking.AnonymizePII(details)
		detailBytes, err := json.Marshal(anonymized)
		if err != nil {
			return erased, err
		}

		item.ActorID = &pseudonym
		if item.IPAddress != nil {
			redacted := masking.Redacted
			item.IPAddress = &redacted
		}
		if item.UserAgent != nil {
			redacted := masking.Redacted
			item.UserAgent = &redacted
		}
		item.Details = datatypes.JSON(detailBytes)
		item.ContentHash = contentHash(item)
		if err := s.repo.Anonymize(ctx, s.db, item); err != nil {
			return erased, err
		}
		erased++
	}

	if _, err := s.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntityCompliance,
		EntityID:   pseudonym,
		Action:     "DATA_ERASED",
		Severity:   auditdomain.SeverityWarn,
		Details:    map[string]any{"entries": erased, "actor": pseudonym},
	}); err != nil {
		return erased, err
	}
	return erased, nil
}

// actorPseudonym replaces an erased actor id. Deterministic so repeated
// erasures and the erasure record itself refer to the same opaque name.
func actorPseudonym(actorID string) string {
	sum := sha256.Sum256([]byte(actorID))
	return "erased_" + hex.EncodeToString(sum[:6])
}

var errChainBroken = sentinelError("audit_chain_broken")

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

type hashedContent struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	ActorID    *string         `json:"actor_id"`
	CreatedAt  int64           `json:"created_at"`
	Details    json.RawMessage `json:"details"`
}

func contentHash(event *auditdomain.AuditEvent) string {
	payload, _ := json.Marshal(hashedContent{
		ID:         event.ID.String(),
		EntityType: event.EntityType,
		EntityID:   event.EntityID,
		Action:     event.Action,
		ActorID:    event.ActorID,
		CreatedAt:  event.CreatedAt.UnixNano(),
		Details:    json.RawMessage(event.Details),
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func chainHash(previous string, id snowflake.ID, createdAt time.Time) string {
	sum := sha256.Sum256([]byte(previous + id.String() + strconv.FormatInt(createdAt.UnixNano(), 10)))
	return hex.EncodeToString(sum[:])
}

func normalizePointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
