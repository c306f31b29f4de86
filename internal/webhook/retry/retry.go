// Package retry drains the durable retry queue and manages the dead
// letter queue.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/prepflow/billinghooks/internal/audit/domain"
	"github.com/prepflow/billinghooks/internal/clock"
	"github.com/prepflow/billinghooks/internal/config"
	"github.com/prepflow/billinghooks/internal/observability/metrics"
	"github.com/prepflow/billinghooks/internal/ratelimit"
	"github.com/prepflow/billinghooks/internal/webhook/domain"
	"github.com/prepflow/billinghooks/internal/webhook/processor"
	"github.com/prepflow/billinghooks/internal/webhook/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultBatchSize = 50

	// Dead letter entries are kept for a week unless an operator purges
	// them sooner.
	defaultDLQRetention = 7 * 24 * time.Hour

	retryLeaseKey = "webhook:retry:lease"
)

type Params struct {
	fx.In

	Config    config.Config
	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      *repository.Repository
	Processor *processor.Processor
	Audit     auditdomain.Service
	Metrics   *metrics.Metrics
	Locker    *ratelimit.Locker `optional:"true"`
}

// Worker replays due retry tasks on a fixed interval. Replay outcomes are
// persisted by the processor; the worker only drives scheduling and the
// operator-facing dead letter operations.
type Worker struct {
	cfg       config.Config
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clk       clock.Clock
	repo      *repository.Repository
	proc      *processor.Processor
	audit     auditdomain.Service
	metrics   *metrics.Metrics
	locker    *ratelimit.Locker
	batchSize int
}

func New(p Params) *Worker {
	return &Worker{
		cfg:       p.Config,
		db:        p.DB,
		log:       p.Log.Named("webhook.retry"),
		genID:     p.GenID,
		clk:       p.Clock,
		repo:      p.Repo,
		proc:      p.Processor,
		audit:     p.Audit,
		metrics:   p.Metrics,
		locker:    p.Locker,
		batchSize: defaultBatchSize,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Retry.RunInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("retry run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce replays every task due as of now. Failed replays are not an
// error here: the processor has already rescheduled or dead lettered them.
// When redis is configured a lease keeps replicas from draining the same
// batch; lease errors fall open so a redis outage cannot stall retries.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.locker != nil {
		token, ok, err := w.locker.TryLock(ctx, retryLeaseKey, 2*w.cfg.Retry.RunInterval)
		if err != nil {
			w.log.Warn("retry lease unavailable, proceeding", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := w.locker.Release(ctx, retryLeaseKey, token); err != nil {
					w.log.Warn("failed to release retry lease", zap.Error(err))
				}
			}()
		}
	}

	now := w.clk.Now().UTC()
	tasks, err := w.repo.DueTasks(ctx, w.db, now, w.batchSize)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.proc.Replay(ctx, task)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrAlreadyHandled):
			// Another worker claimed the event; drop the stale task.
			if err := w.repo.DeleteTask(ctx, w.db, task.ID); err != nil {
				w.log.Warn("failed to drop stale retry task", zap.Error(err))
			}
		default:
			w.log.Info("webhook replay failed",
				zap.String("event_id", task.WebhookEventID.String()),
				zap.Int("attempt", task.Attempt),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (w *Worker) ListDeadLetters(ctx context.Context, provider, eventType string, limit int) ([]*domain.DeadLetterEntry, error) {
	if limit <= 0 || limit > defaultBatchSize {
		limit = defaultBatchSize
	}
	return w.repo.ListDeadLetters(ctx, w.db, provider, eventType, limit)
}

// Requeue puts a dead lettered event back on the retry queue with a fresh
// attempt budget. The entry leaves the dead letter queue immediately.
func (w *Worker) Requeue(ctx context.Context, id snowflake.ID) (*domain.RetryTask, error) {
	entry, err := w.repo.FindDeadLetter(ctx, w.db, id)
	if err != nil {
		return nil, err
	}

	if err := w.repo.MarkEvent(ctx, w.db, entry.WebhookEventID, domain.StatusFailed, "requeued by operator", 0); err != nil {
		return nil, err
	}
	task := &domain.RetryTask{
		ID:             w.genID.Generate(),
		WebhookEventID: entry.WebhookEventID,
		Attempt:        1,
		ScheduledAt:    w.clk.Now().UTC(),
		LastError:      entry.LastError,
	}
	if err := w.repo.UpsertTask(ctx, w.db, task); err != nil {
		return nil, err
	}
	if err := w.repo.DeleteDeadLetter(ctx, w.db, entry.ID); err != nil {
		return nil, err
	}

	w.auditQueueAction(ctx, entry, "WEBHOOK_REQUEUED")
	w.log.Info("dead letter requeued",
		zap.String("entry_id", entry.ID.String()),
		zap.String("event_id", entry.WebhookEventID.String()),
	)
	return task, nil
}

// Purge deletes entries that failed before the retention cutoff.
func (w *Worker) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = w.cfg.Retry.DLQRetention
	}
	if retention <= 0 {
		retention = defaultDLQRetention
	}
	cutoff := w.clk.Now().UTC().Add(-retention)
	purged, err := w.repo.PurgeDeadLetters(ctx, w.db, cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		w.log.Info("dead letter queue purged",
			zap.Int64("entries", purged),
			zap.Time("cutoff", cutoff),
		)
	}
	return purged, nil
}

func (w *Worker) auditQueueAction(ctx context.Context, entry *domain.DeadLetterEntry, action string) {
	_, err := w.audit.Record(ctx, auditdomain.Entry{
		EntityType: auditdomain.EntityWebhookQueue,
		EntityID:   entry.WebhookEventID.String(),
		Action:     action,
		Severity:   auditdomain.SeverityWarn,
		Details: map[string]any{
			"provider":   entry.Provider,
			"event_type": string(entry.EventType),
			"attempts":   entry.Attempts,
			"last_error": entry.LastError,
		},
	})
	if err != nil {
		w.log.Warn("failed to audit queue action", zap.Error(err))
	}
}

var Module = fx.Module("webhook.retry",
	fx.Provide(New),
	fx.Invoke(Run),
)

// Run ties the replay loop to the application lifecycle.
func Run(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go w.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
