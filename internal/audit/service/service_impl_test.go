package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/audit/masking"
	"github.com/prepflow/billinghooks/internal/audit/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&auditdomain.AuditEvent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
	})
	return svc.(*Service), db
}

func TestRecordAndVerifyChain(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	actor := "user-42"
	for i, action := range []string{"WEBHOOK_RECEIVED", "WEBHOOK_VALIDATED", "WEBHOOK_PROCESSED"} {
		_, err := svc.Record(ctx, auditdomain.Entry{
			EntityType: auditdomain.EntityWebhookProcessing,
			EntityID:   "evt-1",
			Action:     action,
			ActorID:    &actor,
			Details:    map[string]any{"seq": i},
		})
		if err != nil {
			t.Fatalf("record %s: %v", action, err)
		}
	}

	result, err := svc.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid chain, broken at %v for %s", result.BrokenAt, result.BrokenFor)
	}
	if result.Checked != 3 {
		t.Fatalf("expected 3 checked entries, got %d", result.Checked)
	}
}

func TestRecordRejectsEmptyAction(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Record(context.Background(), auditdomain.Entry{
		EntityType: auditdomain.EntitySubscription,
		Action:     "   ",
	})
	if err != auditdomain.ErrInvalidAction {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestVerifyChainDetectsTamperedContent(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	var firstID snowflake.ID
	for i := 0; i < 3; i++ {
		id, err := svc.Record(ctx, auditdomain.Entry{
			EntityType: auditdomain.EntitySubscription,
			EntityID:   "sub-1",
			Action:     "STATUS_CHANGED",
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		if i == 0 {
			firstID = id
		}
	}

	if err := db.Exec(`UPDATE audit_events SET action = 'FORGED' WHERE id = ?`, firstID).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	result, err := svc.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected tampered chain to fail verification")
	}
	if result.BrokenAt == nil || *result.BrokenAt != firstID {
		t.Fatalf("expected break at %s, got %v", firstID, result.BrokenAt)
	}
	if result.BrokenFor != "content_hash" {
		t.Fatalf("expected content_hash break, got %s", result.BrokenFor)
	}
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	var lastID snowflake.ID
	for i := 0; i < 2; i++ {
		id, err := svc.Record(ctx, auditdomain.Entry{
			EntityType: auditdomain.EntityWebhookQueue,
			Action:     "RETRY_SCHEDULED",
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		lastID = id
	}

	forged := auditdomain.GenesisHash
	if err := db.Exec(`UPDATE audit_events SET chain_hash = ? WHERE id = ?`, forged, lastID).Error; err != nil {
		t.Fatalf("tamper: %v", err)
	}

	result, err := svc.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatal("expected broken link to fail verification")
	}
	if result.BrokenFor != "chain_hash" {
		t.Fatalf("expected chain_hash break, got %s", result.BrokenFor)
	}
}

func TestEraseActorDataPreservesChain(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	actor := "jane@example.com"
	id, err := svc.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntitySubscription,
		EntityID:   "sub-9",
		Action:     "SUBSCRIPTION_CREATED",
		ActorID:    &actor,
		IPAddress:  "203.0.113.9",
		UserAgent:  "cackto-hooks/1.0",
		Details: map[string]any{
			"customer_email": "jane@example.com",
			"plan":           "monthly",
		},
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	erased, err := svc.EraseActorData(ctx, actor)
	if err != nil {
		t.Fatalf("erase: %v", err)
	}
	if erased != 1 {
		t.Fatalf("expected 1 erased entry, got %d", erased)
	}

	var event auditdomain.AuditEvent
	if err := db.Raw(`SELECT * FROM audit_events WHERE id = ?`, id).Scan(&event).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	var details map[string]any
	if err := json.Unmarshal(event.Details, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details["customer_email"] != masking.Redacted {
		t.Fatalf("expected redacted email, got %v", details["customer_email"])
	}
	if details["plan"] != "monthly" {
		t.Fatalf("expected plan untouched, got %v", details["plan"])
	}
	if event.ActorID == nil || *event.ActorID == actor || *event.ActorID != actorPseudonym(actor) {
		t.Fatalf("expected pseudonymous actor id, got %v", event.ActorID)
	}
	if event.IPAddress == nil || *event.IPAddress != masking.Redacted {
		t.Fatalf("expected redacted ip address, got %v", event.IPAddress)
	}
	if event.UserAgent == nil || *event.UserAgent != masking.Redacted {
		t.Fatalf("expected redacted user agent, got %v", event.UserAgent)
	}

	var leaked int64
	if err := db.Raw(`SELECT COUNT(*) FROM audit_events WHERE actor_id = ? OR entity_id = ?`, actor, actor).Scan(&leaked).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if leaked != 0 {
		t.Fatalf("expected no rows still naming the actor, found %d", leaked)
	}

	result, err := svc.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected chain valid after erasure, broken at %v for %s", result.BrokenAt, result.BrokenFor)
	}
}

func TestExportActorData(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	actor := "user-11"
	for i := 0; i < 2; i++ {
		if _, err := svc.Record(ctx, auditdomain.Entry{
			EntityType: auditdomain.EntityWebhookValidation,
			Action:     "WEBHOOK_VALIDATED",
			ActorID:    &actor,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, err := svc.ExportActorData(ctx, actor)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 exported events, got %d", len(events))
	}
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		severity := auditdomain.SeverityInfo
		if i%2 == 1 {
			severity = auditdomain.SeverityWarn
		}
		if _, err := svc.Record(ctx, auditdomain.Entry{
			EntityType: auditdomain.EntityWebhookValidation,
			EntityID:   "evt-list",
			Action:     "WEBHOOK_REJECTED",
			Severity:   severity,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	req := auditdomain.ListRequest{
		EntityType: auditdomain.EntityWebhookValidation,
		Severity:   "WARN",
	}
	req.PageSize = 1

	first, err := svc.List(ctx, req)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Events) != 1 {
		t.Fatalf("expected 1 event on first page, got %d", len(first.Events))
	}
	if !first.HasMore {
		t.Fatal("expected a second page")
	}

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.Events) != 1 {
		t.Fatalf("expected 1 event on second page, got %d", len(second.Events))
	}
	if second.Events[0].ID == first.Events[0].ID {
		t.Fatal("expected distinct events across pages")
	}
}
