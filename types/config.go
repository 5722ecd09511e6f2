package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
}

// ServiceConfig is supplied once at initialization and is immutable for
// the process lifetime; only UserCacheConfig is mutable at runtime.
type ServiceConfig struct {
	Name    string         `yaml:"name" json:"name" validate:"required"`
	Version string         `yaml:"version" json:"version" validate:"required"`
	Logger  *LoggerConfig  `yaml:"logger" json:"logger"`
	Store   *StoreConfig   `yaml:"store" json:"store"`
	Remote  *RemoteConfig  `yaml:"remote" json:"remote"`
	Sync    *SyncConfig    `yaml:"sync" json:"sync"`
	Warming *WarmingConfig `yaml:"warming" json:"warming"`
	Health  *HealthConfig  `yaml:"health" json:"health"`
	Metrics *MetricsConfig `yaml:"metrics" json:"metrics"`
	Events  *EventsConfig  `yaml:"events" json:"events"`
	Admin   *AdminConfig   `yaml:"admin" json:"admin"`
	Cron    *CronConfig    `yaml:"cron" json:"cron"`

	Policies map[DataKind]Policy `yaml:"policies" json:"policies"`
}

type LoggerConfig struct {
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Memory     *MemoryTierConfig     `yaml:"memory" json:"memory"`
	Persistent *PersistentTierConfig `yaml:"persistent" json:"persistent"`
	DefaultTTL time.Duration         `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
}

type MemoryTierConfig struct {
	MaxBytes        int64  `yaml:"max_bytes" json:"max_bytes"`
	MaxEntries      int    `yaml:"max_entries" json:"max_entries"`
	CleanupInterval string `yaml:"cleanup_interval" json:"cleanup_interval"`
	StaleGrace      string `yaml:"stale_grace" json:"stale_grace"`
}

type PersistentTierConfig struct {
	Enabled  bool        `yaml:"enabled" json:"enabled"`
	Type     string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Path     string      `yaml:"path" json:"path"`
	MaxBytes int64       `yaml:"max_bytes" json:"max_bytes"`
	MaxAge   time.Duration `yaml:"max_age" json:"max_age"`
	CleanupSchedule string `yaml:"cleanup_schedule" json:"cleanup_schedule"`
	Config   interface{} `yaml:"config" json:"config"`
}

type RemoteConfig struct {
	BaseURL        string                `yaml:"base_url" json:"base_url"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout"`
	MaxRetries     int                   `yaml:"max_retries" json:"max_retries"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type SyncConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Schedule    string        `yaml:"schedule" json:"schedule" validate:"required_if=Enabled true"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max" json:"backoff_max"`
}

type WarmingConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Concurrency     int           `yaml:"concurrency" json:"concurrency"`
	CriticalTimeout time.Duration `yaml:"critical_timeout" json:"critical_timeout"`
	Plan            []WarmupItem  `yaml:"plan" json:"plan"`
}

type HealthConfig struct {
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Thresholds *HealthThresholds `yaml:"thresholds" json:"thresholds"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Config  interface{} `yaml:"config" json:"config"`
}

type EventsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type"`
	Config  interface{} `yaml:"config" json:"config"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}
