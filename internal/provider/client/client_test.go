package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/provider/breaker"
	"github.com/prepflow/billinghooks/internal/provider/domain"
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

func newTestClient(t *testing.T, baseURL string) (domain.Client, *auditStub) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&cache.CacheEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	store := cache.NewStore(cache.Params{DB: db, Log: zap.NewNop(), Clock: clk})
	brk := breaker.New("cackto", 5, time.Minute, clk, zap.NewNop(), nil)
	audit := &auditStub{}

	c := New(Options{
		Name:            "cackto",
		BaseURL:         baseURL,
		APIKey:          "key-123",
		Secret:          "sign-secret",
		Timeout:         5 * time.Second,
		ProbeTimeout:    time.Second,
		TransactionTTL:  10 * time.Minute,
		SubscriptionTTL: 5 * time.Minute,
	}, brk, store, audit, zap.NewNop())
	return c, audit
}

func TestGetTransactionCachesResponse(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("Authorization") != "Bearer key-123" {
			t.Errorf("missing bearer header")
		}
		if r.Header.Get("X-Request-Signature") == "" || r.Header.Get("X-Request-Timestamp") == "" {
			t.Errorf("missing request signature headers")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tx-1","status":"approved","customer_email":"a@b.com"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	for i := 0; i < 3; i++ {
		tx, err := c.GetTransaction(context.Background(), "tx-1")
		if err != nil {
			t.Fatalf("get transaction: %v", err)
		}
		if tx.Status != "approved" {
			t.Fatalf("unexpected status %s", tx.Status)
		}
	}
	if hits != 1 {
		t.Fatalf("expected 1 upstream hit, got %d", hits)
	}
}

func TestGetTransactionNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	_, err := c.GetTransaction(context.Background(), "missing")
	if !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestServerErrorsTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv.URL)

	for i := 0; i < 5; i++ {
		if err := c.Health(context.Background()); err == nil {
			t.Fatal("expected health probe failure")
		}
	}
	err := c.Health(context.Background())
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after repeated failures, got %v", err)
	}
}

func TestCancelSubscriptionAuditsAndInvalidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"id":"sub-1","status":"active"}`))
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c, audit := newTestClient(t, srv.URL)
	ctx := context.Background()

	if _, err := c.GetSubscription(ctx, "sub-1"); err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if err := c.CancelSubscription(ctx, "sub-1", "user request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if len(audit.actions) != 1 || audit.actions[0] != "SUBSCRIPTION_CANCEL_REQUESTED" {
		t.Fatalf("expected cancel audit entry, got %v", audit.actions)
	}
}
