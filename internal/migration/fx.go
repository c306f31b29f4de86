package migration

import (
	"strings"

	accountdomain "github.com/prepflow/billinghooks/internal/account/domain"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/cache"
	"github.com/prepflow/billinghooks/internal/config"
	subscriptiondomain "github.com/prepflow/billinghooks/internal/subscription/domain"
	webhookdomain "github.com/prepflow/billinghooks/internal/webhook/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned SQL migrations target postgres; other dialects are
		// for local development and get the gorm schema directly.
		if !strings.EqualFold(cfg.DBType, "postgres") {
			return conn.AutoMigrate(
				&accountdomain.User{},
				&subscriptiondomain.Subscription{},
				&webhookdomain.WebhookEvent{},
				&webhookdomain.RetryTask{},
				&webhookdomain.DeadLetterEntry{},
				&auditdomain.AuditEvent{},
				&cache.CacheEntry{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
