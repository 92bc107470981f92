package enums

// ConnectivityState is the connectivity monitor's view of the network.
type ConnectivityState string

const (
	ConnectivityOnline  ConnectivityState = "online"
	ConnectivityOffline ConnectivityState = "offline"
)

// SyncState is the scheduler's drain state machine.
type SyncState string

const (
	SyncIdle     SyncState = "idle"
	SyncDraining SyncState = "draining"
	SyncBackoff  SyncState = "backoff"
)
