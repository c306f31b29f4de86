package provider

import (
	"strings"

	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/observability/metrics"
	"github.com/prepflow/billinghooks/internal/provider/breaker"
	"github.com/prepflow/billinghooks/internal/provider/client"
	"github.com/prepflow/billinghooks/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type registry struct {
	clients map[string]domain.Client
}

func (r *registry) For(name string) (domain.Client, error) {
	c, ok := r.clients[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return c, nil
}

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Cache   *cache.Store
	Audit   auditdomain.Service
}

// NewRegistry builds one breaker-wrapped client per configured provider.
func NewRegistry(p Params) domain.Registry {
	build := func(name, baseURL, apiKey, secret string) domain.Client {
		brk := breaker.New(
			name,
			p.Config.Breaker.MaxFailures,
			p.Config.Breaker.ResetTimeout,
			p.Clock,
			p.Log,
			p.Metrics,
		)
		return client.New(client.Options{
			Name:            name,
			BaseURL:         strings.TrimRight(baseURL, "/"),
			APIKey:          apiKey,
			Secret:          secret,
			Timeout:         p.Config.Provider.Timeout,
			ProbeTimeout:    p.Config.Provider.ProbeTimeout,
			TransactionTTL:  p.Config.Cache.TransactionTTL,
			SubscriptionTTL: p.Config.Cache.SubscriptionTTL,
		}, brk, p.Cache, p.Audit, p.Log)
	}

	return &registry{clients: map[string]domain.Client{
		domain.Cackto: build(domain.Cackto, p.Config.Provider.CacktoBaseURL, p.Config.Provider.CacktoAPIKey, p.Config.Provider.CacktoSecret),
		domain.Kiwify: build(domain.Kiwify, p.Config.Provider.KiwifyBaseURL, p.Config.Provider.KiwifyAPIKey, ""),
	}}
}

var Module = fx.Module("provider",
	fx.Provide(NewRegistry),
)
