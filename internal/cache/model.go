package cache

import (
	"time"

	"gorm.io/datatypes"
)

// CacheEntry is the durable second tier. Entries survive restarts and are
// shared across replicas pointed at the same database.
type CacheEntry struct {
	Key       string         `json:"key" gorm:"primaryKey;type:text"`
	Value     datatypes.JSON `json:"value" gorm:"type:jsonb;not null"`
	ExpiresAt time.Time      `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (CacheEntry) TableName() string { return "cache_entries" }
