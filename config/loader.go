package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-cache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(configPath string) (config *types.ServiceConfig, err error) {
	if configPath == "" {
		return config, types.ErrConfigNotFound
	}

	if _, err = os.Stat(configPath); os.IsNotExist(err) {
		return config, types.WrapError(err, "file not found: "+configPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return config, types.WrapError(err, "failed to read config file")
	}

	config = l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return config, types.WrapError(err, "config validation failed")
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Store: &types.StoreConfig{
			Memory: &types.MemoryTierConfig{
				MaxBytes:        64 * 1024 * 1024,
				MaxEntries:      10000,
				CleanupInterval: "5m",
				StaleGrace:      "1h",
			},
			Persistent: &types.PersistentTierConfig{
				Enabled:         false,
				Type:            "clover",
				MaxAge:          7 * 24 * time.Hour,
				CleanupSchedule: "0 0 */6 * * *",
			},
			DefaultTTL: 30 * time.Minute,
		},
		Remote: &types.RemoteConfig{
			Timeout:    10 * time.Second,
			MaxRetries: 2,
			CircuitBreaker: &types.CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				HalfOpenRequests: 2,
			},
		},
		Sync: &types.SyncConfig{
			Enabled:     false,
			Schedule:    "0 */5 * * * *",
			MaxRetries:  5,
			BackoffBase: 2 * time.Second,
			BackoffMax:  5 * time.Minute,
		},
		Warming: &types.WarmingConfig{
			Enabled:         false,
			Concurrency:     4,
			CriticalTimeout: 15 * time.Second,
		},
		Health: &types.HealthConfig{
			Enabled: false,
			Thresholds: &types.HealthThresholds{
				MaxMemoryBytes:        64 * 1024 * 1024,
				MaxDiskBytes:          256 * 1024 * 1024,
				MinHitRate:            0.5,
				MaxRetrievalTime:      50 * time.Millisecond,
				MaxEvictionsPerMinute: 60,
			},
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
		},
		Events: &types.EventsConfig{
			Enabled: false,
		},
		Admin: &types.AdminConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    8085,
		},
		Cron: &types.CronConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
	}
}
