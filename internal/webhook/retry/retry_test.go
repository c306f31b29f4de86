package retry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	accountdomain "github.com/prepflow/billinghooks/internal/account/domain"
	accountrepo "github.com/prepflow/billinghooks/internal/account/repository"
	"github.com/prepflow/billinghooks/internal/audit/audittest"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/config"
	providerdomain "github.com/prepflow/billinghooks/internal/provider/domain"
	subscriptiondomain "github.com/prepflow/billinghooks/internal/subscription/domain"
	subscriptionrepo "github.com/prepflow/billinghooks/internal/subscription/repository"
	subscriptionservice "github.com/prepflow/billinghooks/internal/subscription/service"
	"github.com/prepflow/billinghooks/internal/webhook/adapters"
	"github.com/prepflow/billinghooks/internal/webhook/domain"
	"github.com/prepflow/billinghooks/internal/webhook/processor"
	"github.com/prepflow/billinghooks/internal/webhook/repository"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var retryEpoch = time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)

type registryStub struct{}

func (registryStub) For(name string) (providerdomain.Client, error) {
	return nil, providerdomain.ErrUnknownProvider
}

// flakySubs fails the first n activations, then behaves normally.
type flakySubs struct {
	inner    subscriptiondomain.Service
	failures int
	err      error
}

func (f *flakySubs) Activate(ctx context.Context, p subscriptiondomain.ActivateParams) (*subscriptiondomain.Subscription, error) {
	if f.failures > 0 {
		f.failures--
		return nil, f.err
	}
	return f.inner.Activate(ctx, p)
}

func (f *flakySubs) Transition(ctx context.Context, userID snowflake.ID, to subscriptiondomain.Status, reason string) (*subscriptiondomain.Subscription, error) {
	return f.inner.Transition(ctx, userID, to, reason)
}

func (f *flakySubs) Renew(ctx context.Context, userID snowflake.ID, transactionID string, now time.Time) (*subscriptiondomain.Subscription, error) {
	return f.inner.Renew(ctx, userID, transactionID, now)
}

func (f *flakySubs) ResolveDispute(ctx context.Context, userID snowflake.ID, merchantWins bool) (*subscriptiondomain.Subscription, error) {
	return f.inner.ResolveDispute(ctx, userID, merchantWins)
}

func (f *flakySubs) FindByUser(ctx context.Context, userID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return f.inner.FindByUser(ctx, userID)
}

func (f *flakySubs) FindByExternalTransaction(ctx context.Context, transactionID string) (*subscriptiondomain.Subscription, error) {
	return f.inner.FindByExternalTransaction(ctx, transactionID)
}

func (f *flakySubs) SyncWithProvider(ctx context.Context, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return f.inner.SyncWithProvider(ctx, id)
}

type fixture struct {
	worker *Worker
	proc   *processor.Processor
	db     *gorm.DB
	clk    *clock.FakeClock
	repo   *repository.Repository
	subs   subscriptiondomain.Service
	genID  *snowflake.Node
}

func newFixture(t *testing.T, maxRetries, failures int) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&domain.WebhookEvent{},
		&domain.RetryTask{},
		&domain.DeadLetterEntry{},
		&accountdomain.User{},
		&subscriptiondomain.Subscription{},
		&cache.CacheEntry{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	clk := clock.NewFakeClock(retryEpoch)
	recorder := &audittest.Recorder{}
	log := zap.NewNop()

	real := subscriptionservice.NewService(subscriptionservice.Params{
		DB:        db,
		Log:       log,
		GenID:     node,
		Repo:      subscriptionrepo.Provide(),
		Audit:     recorder,
		Providers: registryStub{},
	})
	subs := &flakySubs{
		inner:    real,
		failures: failures,
		err:      &providerdomain.APIError{Provider: "cackto", StatusCode: 503, Body: "unavailable"},
	}

	cfg := config.Config{Environment: "development"}
	cfg.Webhook.CacktoSecret = "whsec_retry"
	cfg.Retry = config.RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		RunInterval:  5 * time.Second,
	}

	repo := repository.Provide()
	proc := processor.New(processor.Params{
		Config:        cfg,
		DB:            db,
		Log:           log,
		GenID:         node,
		Clock:         clk,
		Repo:          repo,
		Adapters:      adapters.NewRegistry(cfg),
		Accounts:      accountrepo.Provide(accountrepo.Params{GenID: node}),
		Subscriptions: subs,
		Cache:         cache.NewStore(cache.Params{DB: db, Log: log, Clock: clk}),
		Audit:         recorder,
	})
	worker := New(Params{
		Config:    cfg,
		DB:        db,
		Log:       log,
		GenID:     node,
		Clock:     clk,
		Repo:      repo,
		Processor: proc,
		Audit:     recorder,
	})
	return &fixture{
		worker: worker,
		proc:   proc,
		db:     db,
		clk:    clk,
		repo:   repo,
		subs:   real,
		genID:  node,
	}
}

func (f *fixture) ingestApproved(t *testing.T, eventID, transactionID, email string) *domain.ValidatedWebhook {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"id":         eventID,
		"event":      string(domain.PaymentApproved),
		"created_at": retryEpoch.Format(time.RFC3339),
		"data": map[string]any{
			"id":       transactionID,
			"status":   "approved",
			"amount":   49.9,
			"currency": "BRL",
			"customer": map[string]any{"email": email, "name": "Bruna Lima"},
			"product":  map[string]any{"id": "editaliza-premium-mensal"},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	adapter, ok := adapters.NewRegistry(config.Config{}).Get("cackto")
	if !ok {
		t.Fatal("cackto adapter not registered")
	}
	parsed, err := adapter.Parse(body)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}

	event := &domain.WebhookEvent{
		ID:              f.genID.Generate(),
		Provider:        parsed.Provider,
		ProviderEventID: parsed.ProviderEventID,
		EventType:       parsed.EventType,
		RawPayload:      datatypes.JSON(body),
		ReceivedAt:      f.clk.Now().UTC(),
		Status:          domain.StatusValidated,
		ProcessingID:    uuid.NewString(),
	}
	inserted, err := f.repo.InsertEventIdempotent(context.Background(), f.db, event)
	if err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if !inserted {
		t.Fatal("expected a fresh event row")
	}
	return &domain.ValidatedWebhook{Event: event, Parsed: parsed, ProcessingID: event.ProcessingID}
}

func (f *fixture) taskCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&domain.RetryTask{}).Count(&n).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	return n
}

func (f *fixture) eventStatus(t *testing.T, id snowflake.ID) domain.Status {
	t.Helper()
	event, err := f.repo.FindEvent(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("find event: %v", err)
	}
	return event.Status
}

func TestRunOnceReplaysOnlyDueTasks(t *testing.T) {
	f := newFixture(t, 3, 1)
	ctx := context.Background()

	validated := f.ingestApproved(t, "evt-1", "tx-1", "bruna@example.com")
	if err := f.proc.Process(ctx, validated); err == nil {
		t.Fatal("expected the first attempt to fail")
	}
	if n := f.taskCount(t); n != 1 {
		t.Fatalf("retry tasks = %d, want 1", n)
	}

	// The replay is scheduled one second out; nothing is due yet.
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := f.eventStatus(t, validated.Event.ID); got != domain.StatusFailed {
		t.Fatalf("event status = %s, want failed before the backoff elapses", got)
	}

	f.clk.Advance(time.Second)
	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if got := f.eventStatus(t, validated.Event.ID); got != domain.StatusSucceeded {
		t.Fatalf("event status = %s, want succeeded", got)
	}
	if n := f.taskCount(t); n != 0 {
		t.Fatalf("retry tasks = %d, want 0 after a successful replay", n)
	}

	var user accountdomain.User
	if err := f.db.Where("email = ?", "bruna@example.com").First(&user).Error; err != nil {
		t.Fatalf("find user: %v", err)
	}
	sub, err := f.subs.FindByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("find subscription: %v", err)
	}
	if sub.Status != subscriptiondomain.StatusActive {
		t.Fatalf("subscription status = %s, want active", sub.Status)
	}
}

func TestRequeueGivesDeadLetterAFreshBudget(t *testing.T) {
	f := newFixture(t, 0, 1)
	ctx := context.Background()

	validated := f.ingestApproved(t, "evt-1", "tx-1", "bruna@example.com")
	if err := f.proc.Process(ctx, validated); err == nil {
		t.Fatal("expected the first attempt to dead letter")
	}
	entries, err := f.worker.ListDeadLetters(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(entries))
	}

	task, err := f.worker.Requeue(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if task.Attempt != 1 {
		t.Fatalf("requeued attempt = %d, want 1", task.Attempt)
	}
	entries, err = f.worker.ListDeadLetters(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("dead letters = %d, want 0 after requeue", len(entries))
	}

	if err := f.worker.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := f.eventStatus(t, validated.Event.ID); got != domain.StatusSucceeded {
		t.Fatalf("event status = %s, want succeeded after requeue", got)
	}
}

func TestPurgeHonorsRetention(t *testing.T) {
	f := newFixture(t, 3, 0)
	ctx := context.Background()

	stale := &domain.DeadLetterEntry{
		ID:             f.genID.Generate(),
		WebhookEventID: f.genID.Generate(),
		Provider:       "cackto",
		EventType:      domain.PaymentApproved,
		Payload:        datatypes.JSON(`{}`),
		Attempts:       3,
		LastError:      "unavailable",
		FailedAt:       retryEpoch.Add(-8 * 24 * time.Hour),
	}
	fresh := &domain.DeadLetterEntry{
		ID:             f.genID.Generate(),
		WebhookEventID: f.genID.Generate(),
		Provider:       "cackto",
		EventType:      domain.PaymentApproved,
		Payload:        datatypes.JSON(`{}`),
		Attempts:       3,
		LastError:      "unavailable",
		FailedAt:       retryEpoch.Add(-24 * time.Hour),
	}
	for _, entry := range []*domain.DeadLetterEntry{stale, fresh} {
		if err := f.repo.InsertDeadLetter(ctx, f.db, entry); err != nil {
			t.Fatalf("insert dead letter: %v", err)
		}
	}

	purged, err := f.worker.Purge(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}

	entries, err := f.worker.ListDeadLetters(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != fresh.ID {
		t.Fatal("expected only the fresh entry to survive the purge")
	}
}
