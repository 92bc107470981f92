package models

import (
	"time"

	dbtypes "github.com/angelmondragon/packfinderz-offline/pkg/db/types"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

// OutboxFailure captures terminal outbox failures for auditing and user-facing resolution.
type OutboxFailure struct {
	ID              string                    `gorm:"column:id;primaryKey" json:"id"`
	EntryID         string                    `gorm:"column:entry_id;not null;index" json:"entry_id"`
	EntityType      enums.EntityType          `gorm:"column:entity_type;not null" json:"entity_type"`
	Action          enums.MutationAction      `gorm:"column:action;not null" json:"action"`
	RelatedEntityID string                    `gorm:"column:related_entity_id;not null" json:"related_entity_id"`
	Payload         dbtypes.JSON              `gorm:"column:payload;not null" json:"payload"`
	Reason          enums.OutboxFailureReason `gorm:"column:reason;not null" json:"reason"`
	ErrorMessage    *string                   `gorm:"column:error_message" json:"error_message,omitempty"`
	Attempts        int                       `gorm:"column:attempts;not null;default:0" json:"attempts"`
	FailedAt        time.Time                 `gorm:"column:failed_at;not null" json:"failed_at"`
}

func (OutboxFailure) TableName() string { return "outbox_failures" }
