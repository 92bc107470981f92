package models

import "time"

// SyncCheckpoint keeps the durable "last sync" bookkeeping shown to users.
type SyncCheckpoint struct {
	Name          string     `gorm:"column:name;primaryKey" json:"name"`
	LastSuccessAt *time.Time `gorm:"column:last_success_at" json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at" json:"last_attempt_at,omitempty"`
	LastError     *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (SyncCheckpoint) TableName() string { return "sync_checkpoints" }
