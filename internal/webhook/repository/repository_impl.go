// Package repository persists webhook events, retry tasks and dead letters.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prepflow/billinghooks/internal/webhook/domain"
	"gorm.io/gorm"
)

type Repository struct{}

func Provide() *Repository {
	return &Repository{}
}

// InsertEventIdempotent writes the event unless the (provider,
// provider_event_id) pair already exists. Returns false when the losing
// concurrent writer found the row taken.
func (r *Repository) InsertEventIdempotent(ctx context.Context, db *gorm.DB, event *domain.WebhookEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (
			id, provider, provider_event_id, event_type, raw_payload,
			received_at, status, processing_id, attempt
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.RawPayload,
		event.ReceivedAt,
		event.Status,
		event.ProcessingID,
		event.Attempt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := db.WithContext(ctx).Where("id = ?", id).First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ClaimEvent CAS-transitions the event into processing. Returns false when
// another worker already claimed or finished it.
func (r *Repository) ClaimEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, from []domain.Status) (bool, error) {
	states := make([]string, 0, len(from))
	args := []any{domain.StatusProcessing, id}
	for _, s := range from {
		states = append(states, "?")
		args = append(args, s)
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET status = ? WHERE id = ? AND status IN (`+strings.Join(states, ", ")+`)`,
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) MarkEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, lastError string, attempt int) error {
	var errptr *string
	if lastError != "" {
		errptr = &lastError
	}
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET status = ?, last_error = ?, attempt = ? WHERE id = ?`,
		status,
		errptr,
		attempt,
		id,
	).Error
}

// UpsertTask schedules or reschedules the single retry task for an event.
func (r *Repository) UpsertTask(ctx context.Context, db *gorm.DB, task *domain.RetryTask) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO retry_tasks (id, webhook_event_id, attempt, scheduled_at, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (webhook_event_id) DO UPDATE SET attempt = excluded.attempt,
			scheduled_at = excluded.scheduled_at, last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		task.ID,
		task.WebhookEventID,
		task.Attempt,
		task.ScheduledAt,
		task.LastError,
		now,
		now,
	).Error
}

func (r *Repository) DueTasks(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]*domain.RetryTask, error) {
	var tasks []*domain.RetryTask
	err := db.WithContext(ctx).Raw(
		`SELECT id, webhook_event_id, attempt, scheduled_at, last_error, created_at, updated_at
		 FROM retry_tasks
		 WHERE scheduled_at <= ?
		 ORDER BY scheduled_at ASC
		 LIMIT ?`,
		now,
		limit,
	).Scan(&tasks).Error
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *Repository) DeleteTask(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM retry_tasks WHERE id = ?`, id).Error
}

// DeleteTaskForEvent clears the event's scheduled replay, if any.
func (r *Repository) DeleteTaskForEvent(ctx context.Context, db *gorm.DB, eventID snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM retry_tasks WHERE webhook_event_id = ?`, eventID).Error
}

func (r *Repository) InsertDeadLetter(ctx context.Context, db *gorm.DB, entry *domain.DeadLetterEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) FindDeadLetter(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.DeadLetterEntry, error) {
	var entry domain.DeadLetterEntry
	err := db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListDeadLetters filters the quarantine newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, db *gorm.DB, provider string, eventType string, limit int) ([]*domain.DeadLetterEntry, error) {
	conditions := []string{"1=1"}
	args := []any{}
	if provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, provider)
	}
	if eventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, eventType)
	}
	args = append(args, limit)

	var entries []*domain.DeadLetterEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, webhook_event_id, provider, event_type, payload, attempts, last_error, failed_at
		 FROM webhook_dead_letter_queue
		 WHERE `+strings.Join(conditions, " AND ")+`
		 ORDER BY failed_at DESC
		 LIMIT ?`,
		args...,
	).Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) DeleteDeadLetter(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM webhook_dead_letter_queue WHERE id = ?`, id).Error
}

// PurgeDeadLetters removes quarantined entries older than the cutoff.
func (r *Repository) PurgeDeadLetters(ctx context.Context, db *gorm.DB, olderThan time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM webhook_dead_letter_queue WHERE failed_at < ?`, olderThan)
	return res.RowsAffected, res.Error
}
