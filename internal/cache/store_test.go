package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prepflow/billinghooks/internal/clock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&CacheEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(Params{DB: db, Log: zap.NewNop(), Clock: clk})
	return store, clk, db
}

func TestGetOrLoadCachesLoaderResult(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	calls := 0
	load := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`{"id":"tx-1"}`), nil
	}

	for i := 0; i < 3; i++ {
		value, err := store.GetOrLoad(ctx, "transaction:cackto:tx-1", 5*time.Minute, load)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(value) != `{"id":"tx-1"}` {
			t.Fatalf("unexpected value %s", value)
		}
	}
	if calls != 1 {
		t.Fatalf("expected 1 loader call, got %d", calls)
	}
}

func TestGetOrLoadFallsBackToDurableTier(t *testing.T) {
	store, _, db := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "subscription:user:7", []byte(`{"status":"active"}`), 10*time.Minute)

	// A fresh store simulates a restarted process with a cold memory tier.
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC))
	cold := NewStore(Params{DB: db, Log: zap.NewNop(), Clock: clk})

	value, err := cold.GetOrLoad(ctx, "subscription:user:7", 10*time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("loader should not run")
	})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != `{"status":"active"}` {
		t.Fatalf("unexpected value %s", value)
	}
}

func TestExpiredEntriesReload(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()

	calls := 0
	load := func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte(`1`), nil
	}

	if _, err := store.GetOrLoad(ctx, "k", time.Minute, load); err != nil {
		t.Fatalf("get: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := store.GetOrLoad(ctx, "k", time.Minute, load); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected reload after expiry, got %d loader calls", calls)
	}
}

func TestDeletePattern(t *testing.T) {
	store, _, db := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "subscription:user:1", []byte(`"a"`), time.Hour)
	store.Set(ctx, "subscription:user:2", []byte(`"b"`), time.Hour)
	store.Set(ctx, "transaction:cackto:9", []byte(`"c"`), time.Hour)

	store.DeletePattern(ctx, "subscription:user:*")

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM cache_entries`).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", count)
	}
	if _, ok := store.memory.Get("subscription:user:1"); ok {
		t.Fatal("expected memory tier invalidated")
	}
	if _, ok := store.memory.Get("transaction:cackto:9"); !ok {
		t.Fatal("expected unrelated key untouched")
	}
}

func TestPurgeExpired(t *testing.T) {
	store, clk, _ := newTestStore(t)
	ctx := context.Background()

	store.Set(ctx, "short", []byte(`1`), time.Minute)
	store.Set(ctx, "long", []byte(`2`), time.Hour)

	clk.Advance(5 * time.Minute)

	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged row, got %d", purged)
	}
}

func TestLoaderErrorPassesThrough(t *testing.T) {
	store, _, _ := newTestStore(t)

	wantErr := errors.New("backend down")
	_, err := store.GetOrLoad(context.Background(), "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected loader error, got %v", err)
	}
}
