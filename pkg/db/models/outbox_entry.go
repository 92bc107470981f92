package models

import (
	"time"

	dbtypes "github.com/angelmondragon/packfinderz-offline/pkg/db/types"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

// OutboxEntry is a queued local mutation waiting to be replayed against the server.
type OutboxEntry struct {
	ID              string               `gorm:"column:id;primaryKey" json:"id"`
	Seq             int64                `gorm:"column:seq;not null;uniqueIndex" json:"seq"`
	EntityType      enums.EntityType     `gorm:"column:entity_type;not null" json:"entity_type"`
	Action          enums.MutationAction `gorm:"column:action;not null" json:"action"`
	Payload         dbtypes.JSON         `gorm:"column:payload;not null" json:"payload"`
	RelatedEntityID string               `gorm:"column:related_entity_id;not null" json:"related_entity_id"`
	Attempts        int                  `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxRetries      int                  `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Status          enums.OutboxStatus   `gorm:"column:status;not null" json:"status"`
	ErrorKind       *enums.FailureKind   `gorm:"column:error_kind" json:"error_kind,omitempty"`
	LastError       *string              `gorm:"column:last_error" json:"last_error,omitempty"`
	NextAttemptAt   *time.Time           `gorm:"column:next_attempt_at" json:"next_attempt_at,omitempty"`
	ClaimedAt       *time.Time           `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	CreatedAt       time.Time            `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt       time.Time            `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (OutboxEntry) TableName() string { return "outbox_entries" }

// Exhausted reports whether the entry has used up its retry budget.
func (e OutboxEntry) Exhausted() bool {
	return e.Attempts >= e.MaxRetries
}
