package enums

import "fmt"

// MutationAction is the verb a queued mutation replays against the server.
type MutationAction string

const (
	ActionCreate MutationAction = "create"
	ActionUpdate MutationAction = "update"
	ActionDelete MutationAction = "delete"
)

var validMutationActions = []MutationAction{
	ActionCreate,
	ActionUpdate,
	ActionDelete,
}

// IsValid reports whether the value is a known mutation action.
func (a MutationAction) IsValid() bool {
	for _, candidate := range validMutationActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseMutationAction converts raw input into MutationAction.
func ParseMutationAction(value string) (MutationAction, error) {
	for _, candidate := range validMutationActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid mutation action %q", value)
}

// OutboxStatus tracks a queue entry through pending -> in_flight -> (deleted | failed).
type OutboxStatus string

const (
	OutboxStatusPending  OutboxStatus = "pending"
	OutboxStatusInFlight OutboxStatus = "in_flight"
	OutboxStatusFailed   OutboxStatus = "failed"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusPending,
	OutboxStatusInFlight,
	OutboxStatusFailed,
}

// IsValid reports whether the value is a known outbox status.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseOutboxStatus converts raw input into OutboxStatus.
func ParseOutboxStatus(value string) (OutboxStatus, error) {
	for _, candidate := range validOutboxStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox status %q", value)
}

// FailureKind classifies a send failure.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

func (k FailureKind) IsValid() bool {
	return k == FailureTransient || k == FailurePermanent
}
