package config

// EnvPrefix is empty because every variable carries its full PACKFINDERZ_ name in the struct tags.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv       = "PACKFINDERZ_APP_ENV"
	EnvPort         = "PACKFINDERZ_APP_PORT"
	EnvLogLevel     = "PACKFINDERZ_LOG_LEVEL"
	EnvLogWarnStack = "PACKFINDERZ_LOG_WARN_STACK"
	EnvDeviceID     = "PACKFINDERZ_DEVICE_ID"

	EnvDBDriver = "PACKFINDERZ_DB_DRIVER"
	EnvDBDSN    = "PACKFINDERZ_DB_DSN"

	EnvRedisURL  = "PACKFINDERZ_REDIS_URL"
	EnvRedisAddr = "PACKFINDERZ_REDIS_ADDR"

	EnvSyncBatchSize    = "PACKFINDERZ_SYNC_BATCH_SIZE"
	EnvSyncMaxRetries   = "PACKFINDERZ_SYNC_MAX_RETRIES"
	EnvSyncBaseDelay    = "PACKFINDERZ_SYNC_BASE_DELAY"
	EnvSyncCapDelay     = "PACKFINDERZ_SYNC_CAP_DELAY"
	EnvSyncJitter       = "PACKFINDERZ_SYNC_JITTER"
	EnvSyncPollInterval = "PACKFINDERZ_SYNC_POLL_INTERVAL"
	EnvSyncAutoOnWrite  = "PACKFINDERZ_SYNC_AUTO_ON_WRITE"

	EnvConnectivityProbeURL = "PACKFINDERZ_CONNECTIVITY_PROBE_URL"
	EnvConnectivityDebounce = "PACKFINDERZ_CONNECTIVITY_DEBOUNCE"

	EnvRemoteBaseURL = "PACKFINDERZ_REMOTE_BASE_URL"
	EnvRemoteTimeout = "PACKFINDERZ_REMOTE_TIMEOUT"

	EnvAutoMigrate = "PACKFINDERZ_AUTO_MIGRATE"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
