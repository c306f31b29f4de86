package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	providerdomain "github.com/prepflow/billinghooks/internal/provider/domain"
	"github.com/prepflow/billinghooks/internal/subscription/cipher"
	"github.com/prepflow/billinghooks/internal/subscription/domain"
	"github.com/prepflow/billinghooks/internal/subscription/repository"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type auditStub struct {
	actions []string
}

func (a *auditStub) Record(ctx context.Context, entry auditdomain.Entry) (snowflake.ID, error) {
	a.actions = append(a.actions, entry.Action)
	return 0, nil
}

func (a *auditStub) List(ctx context.Context, req auditdomain.ListRequest) (auditdomain.ListResponse, error) {
	return auditdomain.ListResponse{}, nil
}

func (a *auditStub) VerifyChain(ctx context.Context) (auditdomain.VerifyResult, error) {
	return auditdomain.VerifyResult{Valid: true}, nil
}

func (a *auditStub) ExportActorData(ctx context.Context, actorID string) ([]auditdomain.AuditEvent, error) {
	return nil, nil
}

func (a *auditStub) EraseActorData(ctx context.Context, actorID string) (int64, error) {
	return 0, nil
}

type providerStub struct {
	subscription *providerdomain.Subscription
}

func (p *providerStub) For(name string) (providerdomain.Client, error) {
	return &clientStub{subscription: p.subscription}, nil
}

type clientStub struct {
	subscription *providerdomain.Subscription
}

func (c *clientStub) Name() string { return "cackto" }

func (c *clientStub) GetTransaction(ctx context.Context, id string) (*providerdomain.Transaction, error) {
	return nil, providerdomain.ErrTransactionNotFound
}

func (c *clientStub) GetSubscription(ctx context.Context, id string) (*providerdomain.Subscription, error) {
	if c.subscription == nil {
		return nil, providerdomain.ErrSubscriptionNotFound
	}
	return c.subscription, nil
}

func (c *clientStub) CancelSubscription(ctx context.Context, id, reason string) error { return nil }
func (c *clientStub) RefundTransaction(ctx context.Context, id, reason string) error  { return nil }
func (c *clientStub) Health(ctx context.Context) error                                { return nil }

func newTestService(t *testing.T, remote *providerdomain.Subscription) (*Service, *gorm.DB, *auditStub) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Subscription{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	box, err := cipher.New("test-encryption-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	audit := &auditStub{}
	svc := NewService(Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Repo:      repository.Provide(),
		Audit:     audit,
		Providers: &providerStub{subscription: remote},
		Cipher:    box,
	})
	return svc.(*Service), db, audit
}

func activate(t *testing.T, svc *Service, userID snowflake.ID, now time.Time) *domain.Subscription {
	t.Helper()
	sub, err := svc.Activate(context.Background(), domain.ActivateParams{
		UserID:                userID,
		Plan:                  domain.PlanMonthly,
		Provider:              "cackto",
		ExternalTransactionID: "tx-1",
		AmountCents:           9900,
		Currency:              "BRL",
		Now:                   now,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	return sub
}

func TestActivateCreatesActiveSubscription(t *testing.T) {
	svc, _, audit := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	sub := activate(t, svc, 42, now)

	if sub.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
	want := now.AddDate(0, 1, 0)
	if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, sub.ExpiresAt)
	}
	if sub.Version != 1 {
		t.Fatalf("expected version 1, got %d", sub.Version)
	}
	if len(audit.actions) != 1 || audit.actions[0] != "SUBSCRIPTION_CREATED" {
		t.Fatalf("expected creation audit, got %v", audit.actions)
	}
}

func TestActivateReactivatesSuspended(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	created := activate(t, svc, 42, now)
	if _, err := svc.Transition(context.Background(), 42, domain.StatusSuspended, "payment rejected"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	later := now.AddDate(0, 0, 5)
	sub, err := svc.Activate(context.Background(), domain.ActivateParams{
		UserID:                42,
		Plan:                  domain.PlanMonthly,
		Provider:              "cackto",
		ExternalTransactionID: "tx-2",
		AmountCents:           9900,
		Currency:              "BRL",
		Now:                   later,
	})
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if sub.ID != created.ID {
		t.Fatal("expected the same subscription row to be reused")
	}
	if sub.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", sub.Status)
	}
	if sub.Version <= created.Version {
		t.Fatalf("expected version bump, got %d", sub.Version)
	}
	want := later.AddDate(0, 1, 0)
	if sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, sub.ExpiresAt)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	activate(t, svc, 42, now)
	if _, err := svc.Transition(context.Background(), 42, domain.StatusCancelled, "refund"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := svc.Transition(context.Background(), 42, domain.StatusSuspended, "late rejection")
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestTransitionSameStatusIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	created := activate(t, svc, 42, now)
	sub, err := svc.Transition(context.Background(), 42, domain.StatusActive, "duplicate delivery")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if sub.Version != created.Version {
		t.Fatalf("expected no version bump, got %d", sub.Version)
	}
}

func TestUpdateVersionedConflict(t *testing.T) {
	svc, db, _ := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	sub := activate(t, svc, 42, now)

	repo := repository.Provide()
	stale := *sub
	stale.Status = domain.StatusSuspended

	if err := repo.UpdateVersioned(context.Background(), db, &stale, stale.Version); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := repo.UpdateVersioned(context.Background(), db, sub, sub.Version)
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestResolveDispute(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	activate(t, svc, 42, now)
	if _, err := svc.Transition(ctx, 42, domain.StatusDisputed, "chargeback"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	sub, err := svc.ResolveDispute(ctx, 42, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sub.Status != domain.StatusActive {
		t.Fatalf("expected merchant win to restore active, got %s", sub.Status)
	}

	if _, err := svc.Transition(ctx, 42, domain.StatusDisputed, "chargeback"); err != nil {
		t.Fatalf("dispute again: %v", err)
	}
	sub, err = svc.ResolveDispute(ctx, 42, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sub.Status != domain.StatusCancelled {
		t.Fatalf("expected customer win to cancel, got %s", sub.Status)
	}
}

func TestMetadataSensitiveKeysAreSealed(t *testing.T) {
	svc, db, _ := newTestService(t, nil)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	_, err := svc.Activate(context.Background(), domain.ActivateParams{
		UserID:   42,
		Plan:     domain.PlanMonthly,
		Provider: "cackto",
		Metadata: map[string]any{
			"document":       "123.456.789-00",
			"payment_method": "pix",
		},
		Now: now,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	var stored domain.Subscription
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	sealed, _ := stored.Metadata["document"].(string)
	if sealed == "" || sealed == "123.456.789-00" {
		t.Fatalf("expected sealed document, got %q", sealed)
	}
	if stored.Metadata["payment_method"] != "pix" {
		t.Fatalf("expected plain payment_method, got %v", stored.Metadata["payment_method"])
	}

	box, err := cipher.New("test-encryption-secret")
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	plain, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "123.456.789-00" {
		t.Fatalf("expected round trip, got %q", plain)
	}
}

func TestSyncWithProviderReconcilesDrift(t *testing.T) {
	remote := &providerdomain.Subscription{ID: "ext-1", Status: "canceled"}
	svc, _, _ := newTestService(t, remote)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	sub, err := svc.Activate(context.Background(), domain.ActivateParams{
		UserID:                 42,
		Plan:                   domain.PlanMonthly,
		Provider:               "cackto",
		ExternalSubscriptionID: "ext-1",
		Now:                    now,
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	synced, err := svc.SyncWithProvider(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.Status != domain.StatusCancelled {
		t.Fatalf("expected provider state to win, got %s", synced.Status)
	}
}
