package models

import (
	"time"

	dbtypes "github.com/angelmondragon/packfinderz-offline/pkg/db/types"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

// CacheRecord is one durable cache row keyed by (entity_type, entity_id).
type CacheRecord struct {
	EntityType enums.EntityType `gorm:"column:entity_type;primaryKey" json:"entity_type"`
	EntityID   string           `gorm:"column:entity_id;primaryKey" json:"entity_id"`
	Payload    dbtypes.JSON     `gorm:"column:payload;not null" json:"payload"`
	Synced     bool             `gorm:"column:synced;not null;default:false" json:"synced"`
	OriginID   *string          `gorm:"column:origin_id" json:"origin_id,omitempty"`
	UpdatedAt  time.Time        `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (CacheRecord) TableName() string { return "cache_records" }
