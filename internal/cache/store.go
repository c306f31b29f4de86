package cache

import (
	"context"
	"strings"
	"time"

	"github.com/prepflow/billinghooks/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Loader fetches the value on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Store is a two-tier read-through cache: an in-process TTL map in front of
// the cache_entries table. The durable tier is best effort; when it fails
// the store logs and falls through to the loader rather than surfacing the
// error to callers.
type Store struct {
	db     *gorm.DB
	log    *zap.Logger
	clk    clock.Clock
	memory *ttlCache[string, []byte]
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

func NewStore(p Params) *Store {
	memory := newTTLCache[string, []byte]()
	memory.now = p.Clock.Now
	return &Store{
		db:     p.DB,
		log:    p.Log.Named("cache.store"),
		clk:    p.Clock,
		memory: memory,
	}
}

// GetOrLoad returns the cached value for key, consulting the memory tier,
// then the durable tier, then the loader. Loaded values are written to both
// tiers with the given ttl.
func (s *Store) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if value, ok := s.memory.Get(key); ok {
		return value, nil
	}

	if value, ok := s.getDurable(ctx, key); ok {
		s.memory.Set(key, value, ttl)
		return value, nil
	}

	value, err := load(ctx)
	if err != nil {
		return nil, err
	}

	s.Set(ctx, key, value, ttl)
	return value, nil
}

// Set writes both tiers. Durable-tier failures are logged and swallowed.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.memory.Set(key, value, ttl)

	now := s.clk.Now().UTC()
	err := s.db.WithContext(ctx).Exec(
		`INSERT INTO cache_entries (key, value, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value,
			expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		key,
		datatypes.JSON(value),
		now.Add(ttl),
		now,
		now,
	).Error
	if err != nil {
		s.log.Warn("failed to persist cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Delete drops the key from both tiers.
func (s *Store) Delete(ctx context.Context, key string) {
	s.memory.Delete(key)
	if err := s.db.WithContext(ctx).Exec(`DELETE FROM cache_entries WHERE key = ?`, key).Error; err != nil {
		s.log.Warn("failed to delete cache entry", zap.String("key", key), zap.Error(err))
	}
}

// DeletePattern invalidates every key matching the pattern. Only a trailing
// '*' wildcard is supported, matching the key namespaces used by the
// pipeline ("subscription:user:*", "transaction:cackto:*").
func (s *Store) DeletePattern(ctx context.Context, pattern string) {
	prefix := strings.TrimSuffix(pattern, "*")
	if prefix == pattern {
		s.Delete(ctx, pattern)
		return
	}

	s.memory.deletePrefix(prefix)
	err := s.db.WithContext(ctx).Exec(
		`DELETE FROM cache_entries WHERE key LIKE ? ESCAPE '\'`,
		strings.ReplaceAll(strings.ReplaceAll(prefix, `%`, `\%`), `_`, `\_`)+"%",
	).Error
	if err != nil {
		s.log.Warn("failed to delete cache entries", zap.String("pattern", pattern), zap.Error(err))
	}
}

// PurgeExpired removes stale durable rows. Called from the background loop.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Exec(
		`DELETE FROM cache_entries WHERE expires_at < ?`,
		s.clk.Now().UTC(),
	)
	return res.RowsAffected, res.Error
}

func (s *Store) getDurable(ctx context.Context, key string) ([]byte, bool) {
	var row CacheEntry
	err := s.db.WithContext(ctx).Raw(
		`SELECT key, value, expires_at FROM cache_entries WHERE key = ? AND expires_at > ?`,
		key,
		s.clk.Now().UTC(),
	).Scan(&row).Error
	if err != nil {
		s.log.Warn("durable cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if row.Key == "" {
		return nil, false
	}
	return []byte(row.Value), true
}

var Module = fx.Module("cache",
	fx.Provide(NewStore),
)
