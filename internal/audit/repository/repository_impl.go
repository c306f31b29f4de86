package repository

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/prepflow/billinghooks/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.AuditEvent) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO audit_events (
			id, entity_type, entity_id, action, actor_id, details,
			severity, ip_address, user_agent, created_at, content_hash, chain_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.EntityType,
		event.EntityID,
		event.Action,
		event.ActorID,
		event.Details,
		event.Severity,
		event.IPAddress,
		event.UserAgent,
		event.CreatedAt,
		event.ContentHash,
		event.ChainHash,
	).Error
}

func (r *repo) LastChainHash(ctx context.Context, db *gorm.DB) (string, error) {
	var hash string
	err := db.WithContext(ctx).Raw(
		`SELECT chain_hash FROM audit_events ORDER BY id DESC LIMIT 1`,
	).Scan(&hash).Error
	if err != nil {
		return "", err
	}
	if hash == "" {
		return domain.GenesisHash, nil
	}
	return hash, nil
}

// WalkAll visits every ledger entry in creation order.
func (r *repo) WalkAll(ctx context.Context, db *gorm.DB, fn func(*domain.AuditEvent) error) error {
	const batchSize = 500

	var lastID snowflake.ID
	for {
		var batch []*domain.AuditEvent
		err := db.WithContext(ctx).Raw(
			`SELECT id, entity_type, entity_id, action, actor_id, details,
				severity, ip_address, user_agent, created_at, content_hash, chain_hash
			 FROM audit_events
			 WHERE id > ?
			 ORDER BY id ASC
			 LIMIT ?`,
			lastID,
			batchSize,
		).Scan(&batch).Error
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, event := range batch {
			if err := fn(event); err != nil {
				return err
			}
			lastID = event.ID
		}
		if len(batch) < batchSize {
			return nil
		}
	}
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req domain.ListRequest, cursor *domain.Cursor, limit int) ([]*domain.AuditEvent, error) {
	conditions := []string{"1=1"}
	args := []any{}

	if v := strings.TrimSpace(req.EntityType); v != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(req.EntityID); v != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(req.Action); v != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(req.ActorID); v != "" {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, v)
	}
	if v := strings.TrimSpace(req.Severity); v != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, strings.ToUpper(v))
	}
	if req.StartAt != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, *req.StartAt)
	}
	if req.EndAt != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, *req.EndAt)
	}
	if cursor != nil {
		conditions = append(conditions, "id < ?")
		args = append(args, cursor.ID)
	}

	args = append(args, limit+1)

	var items []*domain.AuditEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, entity_type, entity_id, action, actor_id, details,
			severity, ip_address, user_agent, created_at, content_hash, chain_hash
		 FROM audit_events
		 WHERE `+strings.Join(conditions, " AND ")+`
		 ORDER BY id DESC
		 LIMIT ?`,
		args...,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByActor(ctx context.Context, db *gorm.DB, actorID string) ([]*domain.AuditEvent, error) {
	var items []*domain.AuditEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, entity_type, entity_id, action, actor_id, details,
			severity, ip_address, user_agent, created_at, content_hash, chain_hash
		 FROM audit_events
		 WHERE actor_id = ?
		 ORDER BY id ASC`,
		actorID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Anonymize(ctx context.Context, db *gorm.DB, event *domain.AuditEvent) error {
	return db.WithContext(ctx).Exec(
		`UPDATE audit_events
		 SET actor_id = ?, ip_address = ?, user_agent = ?, details = ?, content_hash = ?
		 WHERE id = ?`,
		event.ActorID,
		event.IPAddress,
		event.UserAgent,
		[]byte(event.Details),
		event.ContentHash,
		event.ID,
	).Error
}
