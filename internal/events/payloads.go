package events

import (
	"time"

	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
)

type ConnectivityChanged struct {
	Online bool `json:"online"`
	// Restored is set on the debounced offline -> online transition.
	Restored bool `json:"restored"`
}

type SyncStatus struct {
	State         enums.SyncState `json:"state"`
	Pending       int64           `json:"pending"`
	Failed        int64           `json:"failed"`
	LastSyncAt    *time.Time      `json:"last_sync_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
}

type MutationFailed struct {
	EntryID         string                    `json:"entry_id"`
	EntityType      enums.EntityType          `json:"entity_type"`
	Action          enums.MutationAction      `json:"action"`
	RelatedEntityID string                    `json:"related_entity_id"`
	Reason          enums.OutboxFailureReason `json:"reason"`
	Attempts        int                       `json:"attempts"`
	Error           string                    `json:"error"`
}

type MutationSynced struct {
	EntryID    string               `json:"entry_id"`
	EntityType enums.EntityType     `json:"entity_type"`
	Action     enums.MutationAction `json:"action"`
	// ProvisionalID is set when a create promoted a provisional id to EntityID.
	ProvisionalID string `json:"provisional_id,omitempty"`
	EntityID      string `json:"entity_id"`
}
