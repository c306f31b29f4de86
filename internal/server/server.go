// Package server exposes the webhook ingestion and operator HTTP surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prepflow/billinghooks/internal/account"
	"github.com/prepflow/billinghooks/internal/audit"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/observability"
	obslogger "github.com/prepflow/billinghooks/internal/observability/logger"
	obstracing "github.com/prepflow/billinghooks/internal/observability/tracing"
	"github.com/prepflow/billinghooks/internal/provider"
	providerdomain "github.com/prepflow/billinghooks/internal/provider/domain"
	"github.com/prepflow/billinghooks/internal/ratelimit"
	"github.com/prepflow/billinghooks/internal/subscription"
	subscriptiondomain "github.com/prepflow/billinghooks/internal/subscription/domain"
	"github.com/prepflow/billinghooks/internal/webhook/adapters"
	"github.com/prepflow/billinghooks/internal/webhook/processor"
	"github.com/prepflow/billinghooks/internal/webhook/retry"
	"github.com/prepflow/billinghooks/internal/webhook/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	config.Module,
	audit.Module,
	cache.Module,
	provider.Module,
	account.Module,
	subscription.Module,
	ratelimit.Module,
	adapters.Module,
	validator.Module,
	processor.Module,
	retry.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

type Server struct {
	log           *zap.Logger
	cfg           config.Config
	validator     *validator.Validator
	processor     *processor.Processor
	retry         *retry.Worker
	limiter       *ratelimit.WebhookLimiter
	audit         auditdomain.Service
	subscriptions subscriptiondomain.Service
	providers     providerdomain.Registry
}

type Params struct {
	fx.In

	Engine        *gin.Engine
	Log           *zap.Logger
	Config        config.Config
	Validator     *validator.Validator
	Processor     *processor.Processor
	Retry         *retry.Worker
	Limiter       *ratelimit.WebhookLimiter
	Audit         auditdomain.Service
	Subscriptions subscriptiondomain.Service
	Providers     providerdomain.Registry
}

func NewEngine(log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(log)
}

func NewServer(p Params) *Server {
	s := &Server{
		log:           p.Log.Named("server"),
		cfg:           p.Config,
		validator:     p.Validator,
		processor:     p.Processor,
		retry:         p.Retry,
		limiter:       p.Limiter,
		audit:         p.Audit,
		subscriptions: p.Subscriptions,
		providers:     p.Providers,
	}

	p.Engine.POST("/webhooks/:provider", s.HandleWebhook)

	admin := p.Engine.Group("/admin")
	admin.GET("/dead-letters", s.ListDeadLetters)
	admin.POST("/dead-letters/:id/requeue", s.RequeueDeadLetter)
	admin.DELETE("/dead-letters", s.PurgeDeadLetters)
	admin.POST("/subscriptions/:id/sync", s.SyncSubscription)
	admin.GET("/providers/:provider/health", s.ProviderHealth)
	admin.GET("/audit-events", s.ListAuditEvents)
	admin.GET("/audit-events/verify", s.VerifyAuditChain)
	admin.GET("/compliance/export/:actor", s.ExportActorData)
	admin.POST("/compliance/erase", s.EraseActorData)

	return s
}

func run(lc fx.Lifecycle, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    ":8080",
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
