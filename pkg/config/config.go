package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	Remote       RemoteConfig
	Eventing     EventingConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Sync.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PACKFINDERZ_APP_ENV" default:"dev"`
	Port         string `envconfig:"PACKFINDERZ_APP_PORT" default:"8090"`
	LogLevel     string `envconfig:"PACKFINDERZ_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PACKFINDERZ_LOG_WARN_STACK" default:"false"`
	DeviceID     string `envconfig:"PACKFINDERZ_DEVICE_ID"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	Driver string `envconfig:"PACKFINDERZ_DB_DRIVER" default:"sqlite"`
	DSN    string `envconfig:"PACKFINDERZ_DB_DSN" default:"file:packfinderz_offline.db?_busy_timeout=5000&_journal_mode=WAL"`

	MaxOpenConns    int           `envconfig:"PACKFINDERZ_DB_MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"PACKFINDERZ_DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"PACKFINDERZ_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PACKFINDERZ_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the on-device sqlite store is configured.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, DriverSQLite)
}

func (db DBConfig) validate() error {
	switch strings.ToLower(db.Driver) {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvDBDriver, DriverSQLite, DriverPostgres, db.Driver)
	}
	if strings.TrimSpace(db.DSN) == "" {
		return fmt.Errorf("%s is required", EnvDBDSN)
	}
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"PACKFINDERZ_REDIS_URL"`
	Address      string        `envconfig:"PACKFINDERZ_REDIS_ADDR"`
	Password     string        `envconfig:"PACKFINDERZ_REDIS_PASSWORD"`
	DB           int           `envconfig:"PACKFINDERZ_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PACKFINDERZ_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PACKFINDERZ_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PACKFINDERZ_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PACKFINDERZ_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PACKFINDERZ_REDIS_WRITE_TIMEOUT" default:"5s"`
	LockTTL      time.Duration `envconfig:"PACKFINDERZ_REDIS_DRAIN_LOCK_TTL" default:"2m"`
}

// Enabled reports whether a redis endpoint is configured. Redis is optional on devices.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

// SyncConfig holds the scheduler and outbox knobs. Backoff is min(BaseDelay*2^attempts, CapDelay) plus jitter.
type SyncConfig struct {
	BatchSize    int           `envconfig:"PACKFINDERZ_SYNC_BATCH_SIZE" default:"25"`
	MaxRetries   int           `envconfig:"PACKFINDERZ_SYNC_MAX_RETRIES" default:"3"`
	BaseDelay    time.Duration `envconfig:"PACKFINDERZ_SYNC_BASE_DELAY" default:"2s"`
	CapDelay     time.Duration `envconfig:"PACKFINDERZ_SYNC_CAP_DELAY" default:"5m"`
	Jitter       time.Duration `envconfig:"PACKFINDERZ_SYNC_JITTER" default:"250ms"`
	PollInterval time.Duration `envconfig:"PACKFINDERZ_SYNC_POLL_INTERVAL" default:"30s"`
	AutoOnWrite  bool          `envconfig:"PACKFINDERZ_SYNC_AUTO_ON_WRITE" default:"true"`
}

func (s SyncConfig) validate() error {
	if s.MaxRetries < 1 {
		return fmt.Errorf("%s must be at least 1", EnvSyncMaxRetries)
	}
	if s.CapDelay < s.BaseDelay {
		return fmt.Errorf("%s must not be lower than %s", EnvSyncCapDelay, EnvSyncBaseDelay)
	}
	return nil
}

type ConnectivityConfig struct {
	ProbeURL      string        `envconfig:"PACKFINDERZ_CONNECTIVITY_PROBE_URL"`
	ProbeInterval time.Duration `envconfig:"PACKFINDERZ_CONNECTIVITY_PROBE_INTERVAL" default:"10s"`
	ProbeTimeout  time.Duration `envconfig:"PACKFINDERZ_CONNECTIVITY_PROBE_TIMEOUT" default:"3s"`
	Debounce      time.Duration `envconfig:"PACKFINDERZ_CONNECTIVITY_DEBOUNCE" default:"1500ms"`
	AssumeOnline  bool          `envconfig:"PACKFINDERZ_CONNECTIVITY_ASSUME_ONLINE" default:"false"`
}

type RemoteConfig struct {
	BaseURL   string        `envconfig:"PACKFINDERZ_REMOTE_BASE_URL"`
	Timeout   time.Duration `envconfig:"PACKFINDERZ_REMOTE_TIMEOUT" default:"15s"`
	UserAgent string        `envconfig:"PACKFINDERZ_REMOTE_USER_AGENT" default:"packfinderz-offline/1"`
}

type EventingConfig struct {
	BusBufferSize  int           `envconfig:"PACKFINDERZ_EVENTING_BUS_BUFFER" default:"64"`
	IdempotencyTTL time.Duration `envconfig:"PACKFINDERZ_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"PACKFINDERZ_AUTO_MIGRATE" default:"true"`
}
