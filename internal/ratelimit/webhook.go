package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/prepflow/billinghooks/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWebhookSource = "webhook:rate:%s:%s"

// WebhookLimiter throttles deliveries per provider and source address.
// Without redis it falls open: webhook loss is worse than a burst.
type WebhookLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger
	rate   float64
	burst  int
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

func NewWebhookLimiter(p Params) *WebhookLimiter {
	perMin := p.Config.Webhook.RateLimitPerMin
	if perMin <= 0 || p.Redis == nil {
		return &WebhookLimiter{log: p.Log.Named("ratelimit")}
	}
	return &WebhookLimiter{
		bucket: NewTokenBucket(p.Redis),
		log:    p.Log.Named("ratelimit"),
		rate:   float64(perMin) / 60,
		burst:  perMin,
	}
}

// Allow reports whether this delivery fits the source's budget. Redis
// failures are logged and the delivery is let through.
func (l *WebhookLimiter) Allow(ctx context.Context, provider, sourceIP string) *Result {
	if l == nil || l.bucket == nil {
		return &Result{Allowed: true}
	}

	key := fmt.Sprintf(keyWebhookSource, strings.ToLower(provider), sourceIP)
	res, err := l.bucket.Take(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing delivery",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return &Result{Allowed: true}
	}
	return res
}

// NewRedisClient returns nil when no redis address is configured; both the
// limiter and the retry lease degrade gracefully without it.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})
}

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
	fx.Provide(NewWebhookLimiter),
)
