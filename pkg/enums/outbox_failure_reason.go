package enums

type OutboxFailureReason string

const (
	OutboxFailureMaxAttempts     OutboxFailureReason = "max_attempts"
	OutboxFailureNonRetryable    OutboxFailureReason = "non_retryable"
	OutboxFailureReconcileFailed OutboxFailureReason = "reconcile_failed"
)

var validOutboxFailureReasons = []OutboxFailureReason{
	OutboxFailureMaxAttempts,
	OutboxFailureNonRetryable,
	OutboxFailureReconcileFailed,
}

func (r OutboxFailureReason) IsValid() bool {
	for _, candidate := range validOutboxFailureReasons {
		if candidate == r {
			return true
		}
	}
	return false
}
